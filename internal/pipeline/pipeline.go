// Package pipeline commits evidence: upload the content, validate its
// identifier, write one ledger entry and wait for it to be confirmed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/evidencelog/evidencelog/internal/contentid"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/rs/zerolog/log"
)

// Ledger is the write side of the ledger gateway.
type Ledger interface {
	Submit(ctx context.Context, entry evidence.Entry) (*evidence.Receipt, error)
	WaitConfirmed(ctx context.Context, receipt *evidence.Receipt) (*evidence.Receipt, error)
	ListAll(ctx context.Context) ([]evidence.Record, error)
}

// Notifier is told about every confirmed commit.
type Notifier interface {
	Committed(receipt *evidence.Receipt)
}

// Pipeline runs commits. It is safe for concurrent use; commits are not
// ordered relative to each other.
type Pipeline struct {
	uploader         storage.Uploader
	validator        contentid.Validator
	ledger           Ledger
	resolver         *storage.Resolver
	notifier         Notifier
	metrics          *metrics.Metrics
	audit            *audit.Logger
	confirmTimeout   time.Duration
	rejectDuplicates bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfirmTimeout bounds the wait for ledger confirmation.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.confirmTimeout = d
	}
}

// WithRejectDuplicates enables a write-time check for content already on the
// ledger. The check is not atomic with the write.
func WithRejectDuplicates(reject bool) Option {
	return func(p *Pipeline) {
		p.rejectDuplicates = reject
	}
}

// WithResolver sets the resolver used to fill Receipt.URL.
func WithResolver(r *storage.Resolver) Option {
	return func(p *Pipeline) {
		p.resolver = r
	}
}

// WithNotifier sets the notifier for confirmed commits.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// WithMetrics records commit outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithAuditLogger records commit outcomes in l.
func WithAuditLogger(l *audit.Logger) Option {
	return func(p *Pipeline) {
		p.audit = l
	}
}

// New creates a pipeline.
func New(u storage.Uploader, v contentid.Validator, l Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		uploader:       u,
		validator:      v,
		ledger:         l,
		audit:          audit.Nop(),
		confirmTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type sourceKey struct{}

type source struct {
	requestID string
	ip        string
}

// WithSource attaches the request ID and client address used in audit
// records for commits made with ctx.
func WithSource(ctx context.Context, requestID, ip string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source{requestID: requestID, ip: ip})
}

// Commit uploads content under name and records it on the ledger with note
// as extra metadata. It returns only after the ledger confirms the entry.
// Upload always precedes validation, which precedes the single ledger write.
func (p *Pipeline) Commit(ctx context.Context, content io.Reader, name, note string) (*evidence.Receipt, error) {
	return p.run(ctx, name, note, func(ctx context.Context) (evidence.UploadResult, error) {
		return p.uploader.Upload(ctx, content, name)
	})
}

// CommitFile commits the file at path under its base name. A missing file
// fails before any network call.
func (p *Pipeline) CommitFile(ctx context.Context, path, note string) (*evidence.Receipt, error) {
	return p.run(ctx, filepath.Base(path), note, func(ctx context.Context) (evidence.UploadResult, error) {
		return storage.UploadFile(ctx, p.uploader, path)
	})
}

func (p *Pipeline) run(ctx context.Context, name, note string,
	upload func(context.Context) (evidence.UploadResult, error)) (*evidence.Receipt, error) {
	start := time.Now()

	receipt, err := p.commit(ctx, name, note, upload)

	result := metrics.ResultCommitted
	if err != nil {
		result = string(evidence.KindOf(err))
	}
	p.metrics.RecordCommit(result, time.Since(start).Seconds())
	p.record(ctx, name, receipt, err)

	if err != nil {
		return nil, err
	}
	if p.notifier != nil {
		p.notifier.Committed(receipt)
	}
	return receipt, nil
}

func (p *Pipeline) commit(ctx context.Context, name, note string,
	upload func(context.Context) (evidence.UploadResult, error)) (*evidence.Receipt, error) {
	res, err := upload(ctx)
	if err != nil {
		return nil, commitError(evidence.KindUploadFailed, evidence.ReasonOf(err), err)
	}
	if !res.Success {
		return nil, commitError(evidence.KindUploadFailed, "storage reported failure", nil)
	}
	p.metrics.RecordUpload(res.Size)

	if !p.validator.Valid(res.ContentID) {
		return nil, commitError(evidence.KindInvalidIdentifier,
			fmt.Sprintf("content id %q is not valid", res.ContentID), nil)
	}

	if p.rejectDuplicates {
		if err := p.checkDuplicate(ctx, res.ContentID); err != nil {
			return nil, err
		}
	}

	entry := evidence.Entry{ContentID: res.ContentID, Metadata: name, Note: note}
	submitted, err := p.ledger.Submit(ctx, entry)
	if err != nil {
		if errors.Is(err, evidence.ErrRejectedByLedger) {
			return nil, commitError(evidence.KindLedgerRejected, evidence.ReasonOf(err), err)
		}
		return nil, commitError(evidence.KindLedgerUnconfirmed, "submit: "+evidence.ReasonOf(err), err)
	}

	log.Debug().
		Str("content_id", res.ContentID).
		Str("tx_hash", submitted.TxHash).
		Msg("evidence submitted, waiting for confirmation")

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirmed, err := p.ledger.WaitConfirmed(confirmCtx, submitted)
	if err != nil {
		if errors.Is(err, evidence.ErrRejectedByLedger) {
			return nil, commitError(evidence.KindLedgerRejected, evidence.ReasonOf(err), err)
		}
		return nil, commitError(evidence.KindLedgerUnconfirmed,
			fmt.Sprintf("transaction %s not confirmed", submitted.TxHash), err)
	}
	if !confirmed.Confirmed() {
		return nil, commitError(evidence.KindLedgerUnconfirmed,
			fmt.Sprintf("transaction %s not confirmed", submitted.TxHash), nil)
	}

	if p.resolver != nil {
		confirmed.URL = p.resolver.URL(confirmed.ContentID)
	}
	return confirmed, nil
}

func (p *Pipeline) checkDuplicate(ctx context.Context, contentID string) error {
	records, err := p.ledger.ListAll(ctx)
	if err != nil {
		// The check is advisory; an unreadable ledger does not block the write.
		log.Warn().Err(err).Str("content_id", contentID).Msg("duplicate check skipped")
		return nil
	}
	for _, rec := range records {
		if rec.ContentID == contentID {
			return commitError(evidence.KindDuplicateContent,
				fmt.Sprintf("content %s already recorded as evidence %d", contentID, rec.ID), nil)
		}
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, name string, receipt *evidence.Receipt, err error) {
	ev := audit.CommitEvent{Name: name, Result: audit.ResultCommitted}
	if src, ok := ctx.Value(sourceKey{}).(source); ok {
		ev.RequestID = src.requestID
		ev.SourceIP = src.ip
	}

	if err != nil {
		ev.Result = audit.ResultFailed
		ev.Kind = string(evidence.KindOf(err))
		ev.Details = evidence.ReasonOf(err)
		log.Warn().Err(err).Str("name", name).Msg("evidence commit failed")
	} else {
		ev.ContentID = receipt.ContentID
		ev.TxHash = receipt.TxHash
		ev.Height = receipt.Height
		log.Info().
			Str("name", name).
			Str("content_id", receipt.ContentID).
			Str("tx_hash", receipt.TxHash).
			Int64("height", receipt.Height).
			Msg("evidence committed")
	}
	p.audit.LogCommit(ev)
}

func commitError(kind evidence.Kind, reason string, err error) error {
	return evidence.NewError(evidence.OpCommit, kind, reason, err)
}
