// Package evidence defines the records committed to the ledger and the
// derived, display-ready views built from them.
package evidence

import (
	"strconv"
	"strings"
	"time"
)

// Record is a single entry as stored on the ledger. Once committed, none of
// its fields change.
type Record struct {
	ID        uint64
	ContentID string
	Metadata  string
	Note      string
	Submitter string
}

// Entry is the write-side value submitted to the ledger.
type Entry struct {
	ContentID string `json:"content_id"`
	Metadata  string `json:"metadata"`
	Note      string `json:"note,omitempty"`
}

// UploadResult is produced by an uploader and consumed immediately by the
// commit pipeline.
type UploadResult struct {
	ContentID string
	Success   bool
	Size      int64
}

// ReceiptStatus tracks a ledger write through its two observable states.
type ReceiptStatus string

const (
	StatusSubmitted ReceiptStatus = "submitted"
	StatusConfirmed ReceiptStatus = "confirmed"
)

// Receipt describes a ledger write.
type Receipt struct {
	TxHash    string
	Height    int64
	Status    ReceiptStatus
	ContentID string
	URL       string
}

// Confirmed reports whether the ledger acknowledged the write as durable.
func (r *Receipt) Confirmed() bool {
	return r != nil && r.Status == StatusConfirmed
}

// Reconciled is a record enriched for display: resolved content URL plus
// any fields derivable from its metadata.
type Reconciled struct {
	ID        uint64
	ContentID string
	Metadata  string
	Note      string
	Submitter string
	URL       string
	Fields    *Fields
}

// Fields are the structured values encoded in incident file names of the
// form EVENT_lat_lon_YYYYMMDD_HHMMSS.ext.
type Fields struct {
	EventName string
	Latitude  string
	Longitude string
	Location  string
	Date      string
	Time      string
}

const metadataSegments = 5

// ParseMetadata derives structured fields from metadata. Anything that does not
// split into exactly five underscore-separated segments, or whose date and
// time segments are malformed, is opaque and reports false.
func ParseMetadata(metadata string) (*Fields, bool) {
	parts := strings.Split(metadata, "_")
	if len(parts) != metadataSegments {
		return nil, false
	}
	event, lat, lon, day, clock := parts[0], parts[1], parts[2], parts[3], parts[4]

	// Strip the extension; the clock segment may carry none.
	if dot := strings.IndexByte(clock, '.'); dot >= 0 {
		clock = clock[:dot]
	}
	if !allDigits(day, 8) || !allDigits(clock, 6) {
		return nil, false
	}

	d, err := time.Parse("20060102", day)
	if err != nil {
		return nil, false
	}
	t, err := time.Parse("150405", clock)
	if err != nil {
		return nil, false
	}

	return &Fields{
		EventName: event,
		Latitude:  lat,
		Longitude: lon,
		Location:  lat + ", " + lon,
		Date:      d.Format("2006-01-02"),
		Time:      t.Format("15:04:05"),
	}, true
}

func allDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
