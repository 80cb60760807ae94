package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evidencelog/evidencelog/internal/contentid"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/ledger"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/evidencelog/evidencelog/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	id    string
	err   error
	calls atomic.Int32
}

func (u *fakeUploader) Upload(_ context.Context, r io.Reader, _ string) (evidence.UploadResult, error) {
	u.calls.Add(1)
	if u.err != nil {
		return evidence.UploadResult{}, u.err
	}
	data, _ := io.ReadAll(r)
	return evidence.UploadResult{ContentID: u.id, Success: true, Size: int64(len(data))}, nil
}

// countingLedger counts writes and can fail confirmation.
type countingLedger struct {
	Ledger
	submits    atomic.Int32
	confirmErr error
	submitErr  error
}

func (c *countingLedger) Submit(ctx context.Context, entry evidence.Entry) (*evidence.Receipt, error) {
	c.submits.Add(1)
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	return c.Ledger.Submit(ctx, entry)
}

func (c *countingLedger) WaitConfirmed(ctx context.Context, r *evidence.Receipt) (*evidence.Receipt, error) {
	if c.confirmErr != nil {
		return nil, c.confirmErr
	}
	return c.Ledger.WaitConfirmed(ctx, r)
}

type captureNotifier struct {
	receipts []*evidence.Receipt
}

func (n *captureNotifier) Committed(r *evidence.Receipt) {
	n.receipts = append(n.receipts, r)
}

func newGateway(t *testing.T) *ledger.Gateway {
	t.Helper()
	b, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return ledger.NewGateway(b)
}

func TestCommit_UploadFailureSkipsLedger(t *testing.T) {
	up := &fakeUploader{err: evidence.NewError(evidence.OpUpload, evidence.KindNetworkFailure, "pinata returned 500", nil)}
	l := &countingLedger{Ledger: newGateway(t)}
	p := New(up, contentid.CIDv0{}, l)

	_, err := p.Commit(context.Background(), strings.NewReader("x"), "clip.mp4", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrUploadFailed)
	assert.ErrorIs(t, err, evidence.ErrNetworkFailure)
	assert.Equal(t, evidence.KindUploadFailed, evidence.KindOf(err))
	assert.Equal(t, int32(0), l.submits.Load())
}

func TestCommit_InvalidIdentifierSkipsLedger(t *testing.T) {
	up := &fakeUploader{id: "not-a-cid"}
	l := &countingLedger{Ledger: newGateway(t)}
	p := New(up, contentid.CIDv0{}, l)

	_, err := p.Commit(context.Background(), strings.NewReader("x"), "clip.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrInvalidIdentifier)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, int32(0), l.submits.Load())
}

func TestCommit_IncrementsCountByOne(t *testing.T) {
	g := newGateway(t)
	id := testutil.RandomCIDv0(t)
	n := &captureNotifier{}
	p := New(&fakeUploader{id: id}, contentid.CIDv0{}, g,
		WithNotifier(n),
		WithResolver(storage.NewResolver("https://gw.example/ipfs", "")))
	ctx := context.Background()

	before, err := g.Count(ctx)
	require.NoError(t, err)

	receipt, err := p.Commit(ctx, strings.NewReader("footage"), "Crash_11.92_75.38_20250313_040653.mp4", "north gate")
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed())
	assert.Equal(t, id, receipt.ContentID)
	assert.Equal(t, "https://gw.example/ipfs/"+id, receipt.URL)
	require.Len(t, n.receipts, 1)

	after, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	rec, err := g.Get(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ContentID)
	assert.Equal(t, "Crash_11.92_75.38_20250313_040653.mp4", rec.Metadata)
	assert.Equal(t, "north gate", rec.Note)
}

func TestCommit_LedgerRejected(t *testing.T) {
	l := &countingLedger{
		Ledger:    newGateway(t),
		submitErr: evidence.NewError(evidence.OpLedger, evidence.KindRejectedByLedger, "unauthorized", nil),
	}
	n := &captureNotifier{}
	p := New(&fakeUploader{id: testutil.RandomCIDv0(t)}, contentid.CIDv0{}, l, WithNotifier(n))

	_, err := p.Commit(context.Background(), strings.NewReader("x"), "clip.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrLedgerRejected)
	assert.Equal(t, "unauthorized", evidence.ReasonOf(err))
	assert.Equal(t, int32(1), l.submits.Load())
	assert.Empty(t, n.receipts)
}

func TestCommit_Unconfirmed(t *testing.T) {
	l := &countingLedger{Ledger: newGateway(t), confirmErr: context.DeadlineExceeded}
	p := New(&fakeUploader{id: testutil.RandomCIDv0(t)}, contentid.CIDv0{}, l)

	_, err := p.Commit(context.Background(), strings.NewReader("x"), "clip.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrLedgerUnconfirmed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), l.submits.Load(), "no retry after a failed confirmation")
}

func TestCommit_SubmitUnavailableIsUnconfirmed(t *testing.T) {
	l := &countingLedger{
		Ledger:    newGateway(t),
		submitErr: evidence.NewError(evidence.OpLedger, evidence.KindLedgerUnavailable, "submit entry", errors.New("eof")),
	}
	p := New(&fakeUploader{id: testutil.RandomCIDv0(t)}, contentid.CIDv0{}, l)

	_, err := p.Commit(context.Background(), strings.NewReader("x"), "clip.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrLedgerUnconfirmed)
	assert.Equal(t, int32(1), l.submits.Load())
}

func TestCommit_RejectDuplicates(t *testing.T) {
	g := newGateway(t)
	id := testutil.RandomCIDv0(t)
	ctx := context.Background()

	lenient := New(&fakeUploader{id: id}, contentid.CIDv0{}, g)
	_, err := lenient.Commit(ctx, strings.NewReader("a"), "a.mp4", "")
	require.NoError(t, err)
	_, err = lenient.Commit(ctx, strings.NewReader("a"), "a.mp4", "")
	require.NoError(t, err, "duplicates are allowed by default")

	strict := New(&fakeUploader{id: id}, contentid.CIDv0{}, g, WithRejectDuplicates(true))
	_, err = strict.Commit(ctx, strings.NewReader("a"), "a.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrDuplicateContent)

	count, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestCommitFile_SourceMissing(t *testing.T) {
	up := &fakeUploader{id: testutil.RandomCIDv0(t)}
	l := &countingLedger{Ledger: newGateway(t)}
	p := New(up, contentid.CIDv0{}, l)

	_, err := p.CommitFile(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), "")
	assert.ErrorIs(t, err, evidence.ErrUploadFailed)
	assert.ErrorIs(t, err, evidence.ErrSourceMissing)
	assert.Equal(t, int32(0), up.calls.Load())
	assert.Equal(t, int32(0), l.submits.Load())
}

func TestCommitFile_LocalStore(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	g := newGateway(t)
	p := New(store, contentid.CIDv0{}, g, WithConfirmTimeout(time.Second))

	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "Fire_1.0_2.0_20250101_101010.mp4", "flames")

	receipt, err := p.CommitFile(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, testutil.CIDv0(t, []byte("flames")), receipt.ContentID)

	rec, err := g.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "Fire_1.0_2.0_20250101_101010.mp4", rec.Metadata)
}

func TestCommit_MetricsAndAudit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var buf bytes.Buffer
	p := New(&fakeUploader{id: "bad"}, contentid.CIDv0{}, newGateway(t),
		WithMetrics(m),
		WithAuditLogger(audit.NewLogger(zerolog.New(&buf))))

	ctx := WithSource(context.Background(), "req-42", "10.1.1.1")
	_, err := p.Commit(ctx, strings.NewReader("abc"), "clip.mp4", "")
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.CommitsTotal.WithLabelValues(metrics.ResultInvalidID)))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.BytesUploaded))
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"kind":"invalid_identifier"`)
}
