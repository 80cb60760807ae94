package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory ledger that counts calls.
type fakeBackend struct {
	mu         sync.Mutex
	records    []RawRecord
	count      *big.Int
	failIndex  int64
	submitErr  error
	confirmErr error

	submits atomic.Int32
	reads   atomic.Int32
	counts  atomic.Int32
}

func newFakeBackend(records ...RawRecord) *fakeBackend {
	return &fakeBackend{records: records, failIndex: -1}
}

func (f *fakeBackend) Submit(_ context.Context, entry evidence.Entry) (TxRef, error) {
	f.submits.Add(1)
	if f.submitErr != nil {
		return TxRef{}, f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, RawRecord{ContentID: entry.ContentID, Metadata: entry.Metadata})
	return TxRef{Hash: fmt.Sprintf("TX%d", len(f.records))}, nil
}

func (f *fakeBackend) Confirm(_ context.Context, ref TxRef) (Confirmation, error) {
	if f.confirmErr != nil {
		return Confirmation{}, f.confirmErr
	}
	return Confirmation{Hash: ref.Hash, Height: 7}, nil
}

func (f *fakeBackend) Record(_ context.Context, index *big.Int) (RawRecord, error) {
	f.reads.Add(1)
	if index.Int64() == f.failIndex {
		return RawRecord{}, errors.New("rpc timeout")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := index.Int64()
	if i < 0 || i >= int64(len(f.records)) {
		return RawRecord{}, errors.New("out of range")
	}
	return f.records[i], nil
}

func (f *fakeBackend) Count(context.Context) (*big.Int, error) {
	f.counts.Add(1)
	if f.count != nil {
		return f.count, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(int64(len(f.records))), nil
}

func TestGateway_ListAllEmpty(t *testing.T) {
	b := newFakeBackend()
	g := NewGateway(b)

	records, err := g.ListAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
	assert.Equal(t, int32(1), b.counts.Load())
	assert.Equal(t, int32(0), b.reads.Load())
}

func TestGateway_ListAllOrdered(t *testing.T) {
	var raw []RawRecord
	for i := 0; i < 50; i++ {
		raw = append(raw, RawRecord{ContentID: fmt.Sprintf("Qm%02d", i)})
	}
	b := newFakeBackend(raw...)
	g := NewGateway(b, WithReadConcurrency(4))

	records, err := g.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 50)
	for i, rec := range records {
		assert.Equal(t, uint64(i), rec.ID)
		assert.Equal(t, fmt.Sprintf("Qm%02d", i), rec.ContentID)
	}
	assert.Equal(t, int32(50), b.reads.Load())
}

func TestGateway_ListAllFailsWhole(t *testing.T) {
	b := newFakeBackend(RawRecord{ContentID: "QmA"}, RawRecord{ContentID: "QmB"}, RawRecord{ContentID: "QmC"})
	b.failIndex = 1
	g := NewGateway(b)

	records, err := g.ListAll(context.Background())
	require.Error(t, err)
	assert.Nil(t, records)
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
	assert.Equal(t, uint64(3), RecordsOf(err))
	assert.Equal(t, uint64(0), RecordsOf(errors.New("count failed")))
}

func TestGateway_GetBounds(t *testing.T) {
	b := newFakeBackend(RawRecord{ContentID: "QmA"}, RawRecord{ContentID: "QmB"})
	g := NewGateway(b)
	ctx := context.Background()

	rec, err := g.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "QmB", rec.ContentID)
	assert.Equal(t, uint64(1), rec.ID)

	reads := b.reads.Load()
	_, err = g.Get(ctx, 2)
	assert.ErrorIs(t, err, evidence.ErrNotFound)
	assert.Equal(t, reads, b.reads.Load(), "out of range id must not reach the ledger")
}

func TestGateway_IndexBaseOne(t *testing.T) {
	b := newFakeBackend(RawRecord{ContentID: "pad"}, RawRecord{ContentID: "QmFirst"}, RawRecord{ContentID: "QmSecond"})
	b.count = big.NewInt(2)
	g := NewGateway(b, WithIndexBase(1))
	ctx := context.Background()

	_, err := g.Get(ctx, 0)
	assert.ErrorIs(t, err, evidence.ErrNotFound)

	records, err := g.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].ID)
	assert.Equal(t, "QmFirst", records[0].ContentID)
	assert.Equal(t, uint64(2), records[1].ID)

	_, err = g.Get(ctx, 3)
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestGateway_CountOverflow(t *testing.T) {
	b := newFakeBackend()
	b.count = new(big.Int).Lsh(big.NewInt(1), 70)
	g := NewGateway(b)

	_, err := g.Count(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
	assert.Contains(t, err.Error(), "out of range")
}

func TestGateway_ListAllCountTooLarge(t *testing.T) {
	b := newFakeBackend()
	b.count = new(big.Int).Lsh(big.NewInt(1), 62)
	g := NewGateway(b)

	records, err := g.ListAll(context.Background())
	require.Error(t, err)
	assert.Nil(t, records)
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Equal(t, int32(0), b.reads.Load())
}

func TestGateway_ListAllMaxRecords(t *testing.T) {
	b := newFakeBackend(RawRecord{ContentID: "QmA"}, RawRecord{ContentID: "QmB"}, RawRecord{ContentID: "QmC"})
	ctx := context.Background()

	_, err := NewGateway(b, WithMaxRecords(2)).ListAll(ctx)
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)

	records, err := NewGateway(b, WithMaxRecords(3)).ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestGateway_ListAllIndexOverflow(t *testing.T) {
	b := newFakeBackend()
	b.count = big.NewInt(2)
	g := NewGateway(b, WithIndexBase(math.MaxUint64))

	_, err := g.ListAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
	assert.Contains(t, err.Error(), "overflows")
	assert.Equal(t, int32(0), b.reads.Load())
}

func TestGateway_SubmitRejected(t *testing.T) {
	b := newFakeBackend()
	b.submitErr = &RejectionError{Reason: "insufficient funds"}
	g := NewGateway(b)

	_, err := g.Submit(context.Background(), evidence.Entry{ContentID: "QmA"})
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrRejectedByLedger)
	assert.Equal(t, "insufficient funds", evidence.ReasonOf(err))
}

func TestGateway_SubmitUnavailable(t *testing.T) {
	b := newFakeBackend()
	b.submitErr = errors.New("connection refused")
	g := NewGateway(b)

	_, err := g.Submit(context.Background(), evidence.Entry{ContentID: "QmA"})
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
}

func TestGateway_SubmitAndConfirm(t *testing.T) {
	b := newFakeBackend()
	g := NewGateway(b)
	ctx := context.Background()

	receipt, err := g.Submit(ctx, evidence.Entry{ContentID: "QmA", Metadata: "m"})
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusSubmitted, receipt.Status)
	assert.False(t, receipt.Confirmed())

	confirmed, err := g.WaitConfirmed(ctx, receipt)
	require.NoError(t, err)
	assert.True(t, confirmed.Confirmed())
	assert.Equal(t, int64(7), confirmed.Height)
	assert.Equal(t, receipt.TxHash, confirmed.TxHash)
	assert.Equal(t, int32(1), b.submits.Load())
}

func TestBoltBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	b, err := OpenBolt(path, WithSubmitter("node-a"), WithClock(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	g := NewGateway(b)
	ctx := context.Background()

	before, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), before)

	receipt, err := g.Submit(ctx, evidence.Entry{ContentID: "QmA", Metadata: "Fire_1_2_20250101_101010.mp4", Note: "near gate"})
	require.NoError(t, err)
	confirmed, err := g.WaitConfirmed(ctx, receipt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), confirmed.Height)

	after, err := g.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	rec, err := g.Get(ctx, before)
	require.NoError(t, err)
	assert.Equal(t, "QmA", rec.ContentID)
	assert.Equal(t, "Fire_1_2_20250101_101010.mp4", rec.Metadata)
	assert.Equal(t, "near gate", rec.Note)
	assert.Equal(t, "node-a", rec.Submitter)
}

func TestBoltBackend_DuplicateSubmitsAreDistinct(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	entry := evidence.Entry{ContentID: "QmSame", Metadata: "m"}
	first, err := b.Submit(ctx, entry)
	require.NoError(t, err)
	second, err := b.Submit(ctx, entry)
	require.NoError(t, err)

	assert.NotEqual(t, first.Hash, second.Hash)
	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Int64())
}

func TestBoltBackend_Rejections(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	g := NewGateway(b)
	ctx := context.Background()

	_, err = g.Submit(ctx, evidence.Entry{ContentID: " "})
	assert.ErrorIs(t, err, evidence.ErrRejectedByLedger)

	oversize := make([]byte, MaxMetadataSize+1)
	for i := range oversize {
		oversize[i] = 'a'
	}
	_, err = g.Submit(ctx, evidence.Entry{ContentID: "QmA", Metadata: string(oversize)})
	assert.ErrorIs(t, err, evidence.ErrRejectedByLedger)

	_, err = g.WaitConfirmed(ctx, &evidence.Receipt{TxHash: "DEADBEEF"})
	assert.ErrorIs(t, err, evidence.ErrLedgerUnavailable)
}

func TestBoltBackend_IndexBasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	require.NoError(t, err)
	for _, cid := range []string{"QmFirst", "QmSecond"} {
		_, err = b.Submit(ctx, evidence.Entry{ContentID: cid})
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	_, err = OpenBolt(path, WithBoltIndexBase(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndexBaseMismatch)
	assert.Contains(t, err.Error(), "index base 0, configured 1")

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.Equal(t, uint64(0), b.IndexBase())

	g := NewGateway(b, WithIndexBase(b.IndexBase()))
	rec, err := g.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "QmFirst", rec.ContentID)

	records, err := g.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "QmSecond", records[1].ContentID)
	assert.Equal(t, uint64(1), records[1].ID)
}

func TestBoltBackend_IndexBaseOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	b, err := OpenBolt(path, WithBoltIndexBase(1))
	require.NoError(t, err)
	_, err = b.Submit(ctx, evidence.Entry{ContentID: "QmOne"})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = OpenBolt(path)
	assert.ErrorIs(t, err, ErrIndexBaseMismatch)

	b, err = OpenBolt(path, WithBoltIndexBase(1))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	g := NewGateway(b, WithIndexBase(1))
	rec, err := g.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "QmOne", rec.ContentID)
}
