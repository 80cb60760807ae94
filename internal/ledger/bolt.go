package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

var (
	recordsBucket = []byte("records")
	txsBucket     = []byte("txs")
	metaBucket    = []byte("meta")
	countKey      = []byte("count")
	baseKey       = []byte("index_base")
)

// ErrIndexBaseMismatch is returned by OpenBolt when the configured index base
// differs from the one the ledger file was created with.
var ErrIndexBaseMismatch = errors.New("index base mismatch")

// MaxMetadataSize is the largest metadata or note the embedded ledger accepts.
const MaxMetadataSize = 4096

// BoltBackend is an embedded append-only ledger for single-node deployments
// and tests. Every write commits in its own bbolt transaction, so a write is
// confirmed as soon as Submit returns.
type BoltBackend struct {
	db        *bbolt.DB
	indexBase uint64
	submitter string
	now       func() time.Time
}

// BoltOption configures a BoltBackend.
type BoltOption func(*BoltBackend)

// WithBoltIndexBase sets the index assigned to the first record.
func WithBoltIndexBase(base uint64) BoltOption {
	return func(b *BoltBackend) {
		b.indexBase = base
	}
}

// WithSubmitter records this identity on every record written.
func WithSubmitter(submitter string) BoltOption {
	return func(b *BoltBackend) {
		b.submitter = submitter
	}
}

// WithClock sets the time function for testing.
func WithClock(now func() time.Time) BoltOption {
	return func(b *BoltBackend) {
		b.now = now
	}
}

type boltRecord struct {
	ContentID   string    `json:"content_id"`
	Metadata    string    `json:"metadata"`
	Note        string    `json:"note,omitempty"`
	Submitter   string    `json:"submitter,omitempty"`
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OpenBolt opens (or creates) the ledger file at path. The index base is
// fixed when the file is created; reopening with a different base fails with
// ErrIndexBaseMismatch.
func OpenBolt(path string, opts ...BoltOption) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	b := &BoltBackend{db: db, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, txsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(metaBucket)
		if stored := meta.Get(baseKey); stored != nil {
			if base := decodeUint64(stored); base != b.indexBase {
				return fmt.Errorf("%w: %s was created with index base %d, configured %d",
					ErrIndexBaseMismatch, path, base, b.indexBase)
			}
			return nil
		}
		if err := meta.Put(baseKey, encodeUint64(b.indexBase)); err != nil {
			return fmt.Errorf("put index base: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// IndexBase returns the index of the first record.
func (b *BoltBackend) IndexBase() uint64 {
	return b.indexBase
}

// Close closes the ledger file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Submit appends entry and returns its transaction hash.
func (b *BoltBackend) Submit(ctx context.Context, entry evidence.Entry) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return TxRef{}, err
	}
	if strings.TrimSpace(entry.ContentID) == "" {
		return TxRef{}, &RejectionError{Reason: "content id is required"}
	}
	if len(entry.Metadata) > MaxMetadataSize || len(entry.Note) > MaxMetadataSize {
		return TxRef{}, &RejectionError{Reason: fmt.Sprintf("metadata exceeds %d bytes", MaxMetadataSize)}
	}

	var ref TxRef
	err := b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		count := decodeUint64(meta.Get(countKey))
		index := b.indexBase + count

		hash, err := txHash(entry, index)
		if err != nil {
			return err
		}
		rec := boltRecord{
			ContentID:   entry.ContentID,
			Metadata:    entry.Metadata,
			Note:        entry.Note,
			Submitter:   b.submitter,
			TxHash:      hash,
			SubmittedAt: b.now().UTC(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		key := encodeUint64(index)
		if err := tx.Bucket(recordsBucket).Put(key, data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		if err := tx.Bucket(txsBucket).Put([]byte(hash), key); err != nil {
			return fmt.Errorf("put tx: %w", err)
		}
		if err := meta.Put(countKey, encodeUint64(count+1)); err != nil {
			return fmt.Errorf("put count: %w", err)
		}
		ref = TxRef{Hash: hash}
		return nil
	})
	if err != nil {
		return TxRef{}, err
	}

	log.Debug().Str("tx_hash", ref.Hash).Str("content_id", entry.ContentID).Msg("ledger entry appended")
	return ref, nil
}

// Confirm looks up a committed transaction. Writes commit synchronously, so
// an unknown hash is never going to confirm.
func (b *BoltBackend) Confirm(ctx context.Context, ref TxRef) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	var index uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(txsBucket).Get([]byte(ref.Hash))
		if v == nil {
			return fmt.Errorf("transaction %s not found", ref.Hash)
		}
		index = decodeUint64(v)
		return nil
	})
	if err != nil {
		return Confirmation{}, err
	}
	// One record per block: height counts from 1.
	return Confirmation{Hash: ref.Hash, Height: int64(index-b.indexBase) + 1}, nil
}

// Record reads the record at index.
func (b *BoltBackend) Record(ctx context.Context, index *big.Int) (RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return RawRecord{}, err
	}
	if index == nil || index.Sign() < 0 || !index.IsUint64() {
		return RawRecord{}, fmt.Errorf("invalid record index %v", index)
	}

	var rec boltRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(encodeUint64(index.Uint64()))
		if v == nil {
			return fmt.Errorf("record %s not found", index.String())
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return RawRecord{}, err
	}
	return RawRecord{
		ContentID: rec.ContentID,
		Metadata:  rec.Metadata,
		Note:      rec.Note,
		Submitter: rec.Submitter,
	}, nil
}

// Count returns the number of records.
func (b *BoltBackend) Count(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var count uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		count = decodeUint64(tx.Bucket(metaBucket).Get(countKey))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(count), nil
}

// txHash identifies a write. The index is included so resubmitting the same
// entry yields a distinct transaction.
func txHash(entry evidence.Entry, index uint64) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	h := sha256.New()
	h.Write(data)
	h.Write(encodeUint64(index))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
