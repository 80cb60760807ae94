// Package aggregator turns the full ledger into display-ready evidence.
package aggregator

import (
	"context"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/ledger"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/rs/zerolog/log"
)

// Reader is the read side of the ledger gateway.
type Reader interface {
	ListAll(ctx context.Context) ([]evidence.Record, error)
}

// Aggregator reads every record and enriches it with a retrieval URL and
// the structured fields parsed from its metadata.
type Aggregator struct {
	reader   Reader
	resolver *storage.Resolver
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

// New creates an aggregator.
func New(reader Reader, resolver *storage.Resolver, m *metrics.Metrics, a *audit.Logger) *Aggregator {
	if a == nil {
		a = audit.Nop()
	}
	return &Aggregator{reader: reader, resolver: resolver, metrics: m, audit: a}
}

// FetchAll returns every record in ID order, or no records at all: a failed
// read of any single record fails the whole call.
func (a *Aggregator) FetchAll(ctx context.Context) ([]evidence.Reconciled, error) {
	records, err := a.reader.ListAll(ctx)
	if err != nil {
		a.metrics.RecordAggregationFailure()
		a.audit.LogReadFailure(ledger.RecordsOf(err), err.Error())
		log.Warn().Err(err).Msg("evidence aggregation failed")
		return nil, evidence.NewError(evidence.OpAggregate, evidence.KindPartialReadFailure,
			"could not read every ledger record", err)
	}

	out := make([]evidence.Reconciled, 0, len(records))
	for _, rec := range records {
		out = append(out, a.Resolve(rec))
	}
	a.metrics.SetLedgerRecords(uint64(len(records)))

	log.Debug().Int("records", len(out)).Msg("aggregated evidence")
	return out, nil
}

// Resolve enriches a single record.
func (a *Aggregator) Resolve(rec evidence.Record) evidence.Reconciled {
	r := evidence.Reconciled{
		ID:        rec.ID,
		ContentID: rec.ContentID,
		Metadata:  rec.Metadata,
		Note:      rec.Note,
		Submitter: rec.Submitter,
	}
	if rec.ContentID != "" && a.resolver != nil {
		r.URL = a.resolver.URL(rec.ContentID)
	}
	if fields, ok := evidence.ParseMetadata(rec.Metadata); ok {
		r.Fields = fields
	}
	return r
}
