// Package client talks to a running evidence server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/rs/zerolog/log"
)

// OpRequest marks errors returned by the server API.
const OpRequest = "request"

// RetryConfig configures retries for read requests. Submissions are never
// retried.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 5s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Client is a client for the evidence server.
type Client struct {
	baseURL string
	client  *http.Client
	retry   RetryConfig
}

// New creates a client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		retry: DefaultRetryConfig(),
	}
}

// SetRetry replaces the read retry configuration.
func (c *Client) SetRetry(cfg RetryConfig) {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	c.retry = cfg
}

// BaseURL returns the base URL of the server.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes any idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// SubmitFile commits the file at path. A missing file fails before any
// request is made.
func (c *Client) SubmitFile(ctx context.Context, path, description string) (*proto.SubmitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing, path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return nil, evidence.NewError(evidence.OpUpload, evidence.KindSourceMissing, path+" is not a regular file", err)
	}
	return c.Submit(ctx, f, filepath.Base(path), description)
}

// Submit uploads content under name and waits for the server to confirm
// the ledger entry.
func (c *Client) Submit(ctx context.Context, content io.Reader, name, description string) (*proto.SubmitResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, content, name, description))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/evidence", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return nil, evidence.NewError(OpRequest, evidence.KindNetworkFailure, "submit evidence", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var result proto.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func writeForm(mw *multipart.Writer, content io.Reader, name, description string) error {
	if err := mw.WriteField("name", name); err != nil {
		return err
	}
	if description != "" {
		if err := mw.WriteField("description", description); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	return mw.Close()
}

// List returns every evidence record in ledger order.
func (c *Client) List(ctx context.Context) ([]proto.Evidence, error) {
	var result []proto.Evidence
	if err := c.getJSON(ctx, "/api/v1/evidence", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the record with the given id.
func (c *Client) Get(ctx context.Context, id uint64) (*proto.Evidence, error) {
	var result proto.Evidence
	if err := c.getJSON(ctx, "/api/v1/evidence/"+strconv.FormatUint(id, 10), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QR returns a PNG QR code encoding the content URL of record id.
func (c *Client) QR(ctx context.Context, id uint64) ([]byte, error) {
	resp, err := c.getWithRetry(ctx, "/api/v1/evidence/"+strconv.FormatUint(id, 10)+"/qr")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// Verify reports whether contentID is a valid deep link into the evidence
// list.
func (c *Client) Verify(ctx context.Context, contentID string) (bool, error) {
	var result proto.VerifyResponse
	if err := c.getJSON(ctx, "/api/v1/verify/"+url.PathEscape(contentID), &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (*proto.HealthResponse, error) {
	var result proto.HealthResponse
	if err := c.getJSON(ctx, "/health", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchAll lists every record as reconciled domain values. It implements
// reconcile.Source.
func (c *Client) FetchAll(ctx context.Context) ([]evidence.Reconciled, error) {
	list, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]evidence.Reconciled, 0, len(list))
	for _, e := range list {
		r, err := e.ToReconciled()
		if err != nil {
			return nil, evidence.NewError(evidence.OpAggregate, evidence.KindPartialReadFailure, "malformed record", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.getWithRetry(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// getWithRetry issues a GET with exponential backoff on transport errors
// and 5xx responses. The returned response always has status 200.
func (c *Client) getWithRetry(ctx context.Context, path string) (*http.Response, error) {
	backoff := c.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxRetries; attempt++ {
		resp, err := c.get(ctx, path)
		switch {
		case err != nil:
			lastErr = evidence.NewError(OpRequest, evidence.KindNetworkFailure, "GET "+path, err)
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode < 500:
			err := c.parseError(resp)
			_ = resp.Body.Close()
			return nil, err
		default:
			lastErr = c.parseError(resp)
			_ = resp.Body.Close()
		}

		if attempt == c.retry.MaxRetries || ctx.Err() != nil {
			break
		}

		log.Debug().
			Err(lastErr).
			Str("path", path).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff with cap
		backoff *= 2
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}

	return nil, lastErr
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.client.Do(req)
}

// parseError converts an error response into an *evidence.Error carrying
// the server's kind, so callers can match it with errors.Is.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		kind := evidence.Kind(errResp.Kind)
		if kind == "" {
			kind = kindForStatus(resp.StatusCode)
		}
		return evidence.NewError(OpRequest, kind, errResp.Message, errors.New(resp.Status))
	}

	return evidence.NewError(OpRequest, kindForStatus(resp.StatusCode),
		fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
}

func kindForStatus(code int) evidence.Kind {
	switch {
	case code == http.StatusNotFound:
		return evidence.KindNotFound
	case code >= 500:
		return evidence.KindLedgerUnavailable
	default:
		return evidence.KindNetworkFailure
	}
}
