// Package proto defines the JSON messages exchanged between the evidencelog
// server and its clients. Ledger integers are carried as decimal strings so
// they survive clients whose numbers are not 64-bit integers.
package proto

import (
	"fmt"
	"strconv"

	"github.com/evidencelog/evidencelog/internal/evidence"
)

// Fields is the structured form of a record's metadata.
type Fields struct {
	EventName string `json:"event_name"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Location  string `json:"location"` // "lat, lon"
	Date      string `json:"date"`     // YYYY-MM-DD
	Time      string `json:"time"`     // HH:MM:SS
}

// Evidence is a committed record as served by the API.
type Evidence struct {
	ID        string  `json:"id"` // decimal
	ContentID string  `json:"content_id"`
	Metadata  string  `json:"metadata"`
	Note      string  `json:"note,omitempty"`
	Submitter string  `json:"submitter,omitempty"`
	URL       string  `json:"url,omitempty"`
	Fields    *Fields `json:"fields,omitempty"`
}

// SubmitResponse is returned after a confirmed commit.
type SubmitResponse struct {
	Name      string `json:"name"`
	ContentID string `json:"content_id"`
	TxHash    string `json:"tx_hash"`
	Height    string `json:"height"` // decimal
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// VerifyResponse reports whether a deep link names a committed record.
type VerifyResponse struct {
	ContentID string `json:"content_id"`
	Valid     bool   `json:"valid"`
}

// Event types pushed over the change feed.
const (
	EventCommitted = "committed"
)

// Event is a change feed message.
type Event struct {
	Type      string `json:"type"`
	ContentID string `json:"content_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Count     string `json:"count,omitempty"` // decimal, records known to the server
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Records string `json:"records,omitempty"` // decimal
	Version string `json:"version,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// FromReconciled converts a reconciled record to its wire form.
func FromReconciled(r evidence.Reconciled) Evidence {
	e := Evidence{
		ID:        strconv.FormatUint(r.ID, 10),
		ContentID: r.ContentID,
		Metadata:  r.Metadata,
		Note:      r.Note,
		Submitter: r.Submitter,
		URL:       r.URL,
	}
	if r.Fields != nil {
		e.Fields = &Fields{
			EventName: r.Fields.EventName,
			Latitude:  r.Fields.Latitude,
			Longitude: r.Fields.Longitude,
			Location:  r.Fields.Location,
			Date:      r.Fields.Date,
			Time:      r.Fields.Time,
		}
	}
	return e
}

// ToReconciled converts a wire record back to the domain type.
func (e Evidence) ToReconciled() (evidence.Reconciled, error) {
	id, err := strconv.ParseUint(e.ID, 10, 64)
	if err != nil {
		return evidence.Reconciled{}, fmt.Errorf("parse evidence id %q: %w", e.ID, err)
	}
	r := evidence.Reconciled{
		ID:        id,
		ContentID: e.ContentID,
		Metadata:  e.Metadata,
		Note:      e.Note,
		Submitter: e.Submitter,
		URL:       e.URL,
	}
	if e.Fields != nil {
		r.Fields = &evidence.Fields{
			EventName: e.Fields.EventName,
			Latitude:  e.Fields.Latitude,
			Longitude: e.Fields.Longitude,
			Location:  e.Fields.Location,
			Date:      e.Fields.Date,
			Time:      e.Fields.Time,
		}
	}
	return r, nil
}

// FromReceipt converts a confirmed receipt to a submit response.
func FromReceipt(name string, r *evidence.Receipt) SubmitResponse {
	return SubmitResponse{
		Name:      name,
		ContentID: r.ContentID,
		TxHash:    r.TxHash,
		Height:    strconv.FormatInt(r.Height, 10),
		Status:    string(r.Status),
		URL:       r.URL,
	}
}
