// Package ledger wraps an external append-only ledger behind a gateway that
// normalizes its errors, bounds its reads and converts its wide integers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"golang.org/x/sync/errgroup"
)

// Backend is the ledger's narrow transactional interface. Indexes and counts
// are arbitrary-precision because the ledger's integer type may exceed the
// machine word.
type Backend interface {
	// Submit sends a write. A write the ledger refuses returns *RejectionError.
	Submit(ctx context.Context, entry evidence.Entry) (TxRef, error)
	// Confirm blocks until the write is durably committed or ctx ends.
	Confirm(ctx context.Context, ref TxRef) (Confirmation, error)
	Record(ctx context.Context, index *big.Int) (RawRecord, error)
	Count(ctx context.Context) (*big.Int, error)
}

// TxRef is the handle returned for a submitted write.
type TxRef struct {
	Hash string
}

// Confirmation describes a committed write.
type Confirmation struct {
	Hash   string
	Height int64
}

// RawRecord is a record as the backend returns it.
type RawRecord struct {
	ContentID string
	Metadata  string
	Note      string
	Submitter string
}

// RejectionError carries the ledger's own reason for refusing a write.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "ledger rejected transaction: " + e.Reason
}

// DefaultMaxRecords bounds how many records ListAll will read.
const DefaultMaxRecords = 1 << 20

// ListError reports a ListAll that failed after the ledger reported its
// record count.
type ListError struct {
	Records uint64
	Err     error
}

func (e *ListError) Error() string {
	return e.Err.Error()
}

func (e *ListError) Unwrap() error {
	return e.Err
}

// RecordsOf returns the record count carried by a ListAll error, or 0 when
// the count was never read.
func RecordsOf(err error) uint64 {
	var le *ListError
	if errors.As(err, &le) {
		return le.Records
	}
	return 0
}

// Gateway is the only path from the application to the ledger.
type Gateway struct {
	backend     Backend
	indexBase   uint64
	concurrency int
	maxRecords  uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithIndexBase sets the ID of the first record (0 or 1, ledger-defined).
func WithIndexBase(base uint64) Option {
	return func(g *Gateway) {
		g.indexBase = base
	}
}

// WithReadConcurrency bounds the parallel reads issued by ListAll.
func WithReadConcurrency(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithMaxRecords bounds the record count ListAll accepts from the ledger.
func WithMaxRecords(n uint64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxRecords = n
		}
	}
}

// NewGateway creates a gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:     backend,
		concurrency: 16,
		maxRecords:  DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IndexBase returns the ID of the first record.
func (g *Gateway) IndexBase() uint64 {
	return g.indexBase
}

// Submit issues exactly one write. The returned receipt is in the submitted
// state; use WaitConfirmed before treating it as durable.
func (g *Gateway) Submit(ctx context.Context, entry evidence.Entry) (*evidence.Receipt, error) {
	ref, err := g.backend.Submit(ctx, entry)
	if err != nil {
		return nil, normalize(err, "submit entry")
	}
	return &evidence.Receipt{
		TxHash:    ref.Hash,
		Status:    evidence.StatusSubmitted,
		ContentID: entry.ContentID,
	}, nil
}

// WaitConfirmed blocks until the ledger confirms the write behind receipt.
func (g *Gateway) WaitConfirmed(ctx context.Context, receipt *evidence.Receipt) (*evidence.Receipt, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}
	conf, err := g.backend.Confirm(ctx, TxRef{Hash: receipt.TxHash})
	if err != nil {
		return nil, normalize(err, "confirm "+receipt.TxHash)
	}

	confirmed := *receipt
	confirmed.Status = evidence.StatusConfirmed
	confirmed.Height = conf.Height
	return &confirmed, nil
}

// Count returns the number of committed records.
func (g *Gateway) Count(ctx context.Context) (uint64, error) {
	n, err := g.backend.Count(ctx)
	if err != nil {
		return 0, normalize(err, "count records")
	}
	return toUint64(n, "record count")
}

// Get returns the record with the given ID. IDs outside the committed range
// are rejected before the ledger is asked.
func (g *Gateway) Get(ctx context.Context, id uint64) (evidence.Record, error) {
	count, err := g.Count(ctx)
	if err != nil {
		return evidence.Record{}, err
	}
	if id < g.indexBase || id-g.indexBase >= count {
		return evidence.Record{}, evidence.NewError(evidence.OpLedger, evidence.KindNotFound,
			fmt.Sprintf("evidence %d not found", id), nil)
	}
	return g.read(ctx, id)
}

// ListAll returns every record in ID order. An empty ledger costs a single
// count call.
func (g *Gateway) ListAll(ctx context.Context) ([]evidence.Record, error) {
	count, err := g.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []evidence.Record{}, nil
	}
	if count > g.maxRecords {
		return nil, &ListError{Records: count, Err: evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable,
			fmt.Sprintf("record count %d exceeds limit %d", count, g.maxRecords), nil)}
	}
	if count-1 > math.MaxUint64-g.indexBase {
		return nil, &ListError{Records: count, Err: evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable,
			fmt.Sprintf("record count %d overflows index base %d", count, g.indexBase), nil)}
	}

	records := make([]evidence.Record, count)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i := uint64(0); i < count; i++ {
		slot := i
		eg.Go(func() error {
			rec, err := g.read(egCtx, g.indexBase+slot)
			if err != nil {
				return err
			}
			records[slot] = rec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, &ListError{Records: count, Err: err}
	}
	return records, nil
}

func (g *Gateway) read(ctx context.Context, id uint64) (evidence.Record, error) {
	raw, err := g.backend.Record(ctx, new(big.Int).SetUint64(id))
	if err != nil {
		return evidence.Record{}, normalize(err, fmt.Sprintf("read record %d", id))
	}
	return evidence.Record{
		ID:        id,
		ContentID: raw.ContentID,
		Metadata:  raw.Metadata,
		Note:      raw.Note,
		Submitter: raw.Submitter,
	}, nil
}

// normalize maps backend failures onto the gateway's error kinds.
func normalize(err error, action string) error {
	var ee *evidence.Error
	if errors.As(err, &ee) {
		return err
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return evidence.NewError(evidence.OpLedger, evidence.KindRejectedByLedger, rej.Reason, err)
	}
	return evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable, action, err)
}

// toUint64 converts a ledger integer without losing precision.
func toUint64(n *big.Int, what string) (uint64, error) {
	if n == nil {
		return 0, evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable, what+" missing", nil)
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable,
			fmt.Sprintf("%s %s out of range", what, n.String()), nil)
	}
	return n.Uint64(), nil
}
