package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog/log"
)

// LocalStore is a content-addressed object store on the local filesystem.
// Objects are named by the CIDv0 of their raw bytes (sha2-256 multihash,
// base58btc). It does not build UnixFS DAGs, so identifiers match IPFS only
// for content small enough to fit a single raw block.
//
// Storage format: plaintext -> zstd compress -> objects/<xx>/<cid>, plus a
// JSON sidecar <cid>.json holding the object name and size.
type LocalStore struct {
	dir string

	encoderPool sync.Pool
	decoderPool sync.Pool
}

type objectMeta struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}

	s := &LocalStore{dir: dir}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s, nil
}

// Upload stores the content of r and returns its identifier. Storing the
// same bytes twice is a no-op that returns the same identifier.
func (s *LocalStore) Upload(ctx context.Context, r io.Reader, name string) (evidence.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return evidence.UploadResult{}, uploadError("read content", err)
	}
	if err := ctx.Err(); err != nil {
		return evidence.UploadResult{}, uploadError("upload cancelled", err)
	}

	id, err := ContentID(data)
	if err != nil {
		return evidence.UploadResult{}, uploadError("hash content", err)
	}

	path := s.objectPath(id)
	if !fileExists(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return evidence.UploadResult{}, uploadError("create object dir", err)
		}
		if err := writeAtomic(path, s.compress(data)); err != nil {
			return evidence.UploadResult{}, uploadError("write object", err)
		}
	}

	meta, err := json.Marshal(objectMeta{Name: name, Size: int64(len(data)), StoredAt: time.Now().UTC()})
	if err != nil {
		return evidence.UploadResult{}, uploadError("marshal object metadata", err)
	}
	if err := writeAtomic(path+".json", meta); err != nil {
		return evidence.UploadResult{}, uploadError("write object metadata", err)
	}

	log.Debug().Str("content_id", id).Str("name", name).Int("bytes", len(data)).Msg("stored object")

	return evidence.UploadResult{ContentID: id, Success: true, Size: int64(len(data))}, nil
}

// Open returns the content stored under contentID after verifying that it
// still hashes to the same identifier.
func (s *LocalStore) Open(ctx context.Context, contentID string) (io.ReadCloser, ObjectInfo, error) {
	if _, err := cid.Decode(contentID); err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("invalid content id %q: %w", contentID, err)
	}

	path := s.objectPath(contentID)
	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ObjectInfo{}, fmt.Errorf("object not found: %s: %w", contentID, os.ErrNotExist)
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("read object: %w", err)
	}

	data, err := s.decompress(compressed)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("decompress object: %w", err)
	}

	actual, err := ContentID(data)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if actual != contentID {
		return nil, ObjectInfo{}, fmt.Errorf("object hash mismatch: expected %s, got %s (data corruption)", contentID, actual)
	}

	info := ObjectInfo{ContentID: contentID, Size: int64(len(data))}
	if raw, err := os.ReadFile(path + ".json"); err == nil {
		var meta objectMeta
		if json.Unmarshal(raw, &meta) == nil {
			info.Name = meta.Name
		}
	}

	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// Exists reports whether contentID is stored.
func (s *LocalStore) Exists(contentID string) bool {
	return fileExists(s.objectPath(contentID))
}

// ContentID computes the CIDv0 string for data.
func ContentID(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("compute multihash: %w", err)
	}
	return cid.NewCidV0(mh).String(), nil
}

// objectPath shards objects by the two characters after the "Qm" prefix
// to avoid one huge directory.
func (s *LocalStore) objectPath(id string) string {
	shard := id
	if len(id) >= 4 {
		shard = id[2:4]
	}
	return filepath.Join(s.dir, "objects", shard, filepath.Base(id))
}

func (s *LocalStore) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *LocalStore) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// writeAtomic writes data via a unique temp file and rename, so concurrent
// writers of the same object never expose a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".object-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
