// Package storage pushes evidence content to a content-addressed storage
// network and resolves the URLs readers use to fetch it back.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/evidence"
)

// Uploader stores content as a single named object and returns its
// content identifier. A successful upload has no compensating delete.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, name string) (evidence.UploadResult, error)
}

// Opener serves stored content back by identifier. Only backends that hold
// the bytes locally implement it.
type Opener interface {
	Open(ctx context.Context, contentID string) (io.ReadCloser, ObjectInfo, error)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	ContentID string `json:"content_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
}

// New creates the uploader selected by cfg.Storage.Backend.
func New(cfg *config.Config) (Uploader, error) {
	switch cfg.Storage.Backend {
	case config.StorageLocal:
		store, err := NewLocalStore(cfg.Storage.Local.DataDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoragePinata:
		return NewPinataUploader(cfg.Storage.Pinata, cfg.StorageTimeout()), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// UploadFile uploads the file at path under its base name. A missing file is
// reported before any network call is attempted.
func UploadFile(ctx context.Context, u Uploader, path string) (evidence.UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return evidence.UploadResult{}, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing,
				fmt.Sprintf("file %s does not exist", path), err)
		}
		return evidence.UploadResult{}, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing,
			fmt.Sprintf("stat %s", path), err)
	}
	if info.IsDir() {
		return evidence.UploadResult{}, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing,
			fmt.Sprintf("%s is a directory", path), nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return evidence.UploadResult{}, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing,
			fmt.Sprintf("open %s", path), err)
	}
	defer func() { _ = f.Close() }()

	return u.Upload(ctx, f, filepath.Base(path))
}

// Resolver builds retrieval URLs of the form <gateway-base>/<contentId>,
// optionally carrying a gateway access token.
type Resolver struct {
	base  string
	token string
}

// NewResolver creates a resolver for the given gateway base URL.
func NewResolver(base, token string) *Resolver {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Resolver{base: base, token: token}
}

// URL returns the retrieval URL for contentID.
func (r *Resolver) URL(contentID string) string {
	u := r.base + "/" + url.PathEscape(contentID)
	if r.token != "" {
		u += "?pinataGatewayToken=" + url.QueryEscape(r.token)
	}
	return u
}

// HTTPFetcher retrieves content bytes from a gateway URL.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Fetch opens the content at rawURL. The caller closes the body.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch content: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// countingReader tracks how many bytes passed through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
