package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evidencelog/evidencelog/internal/aggregator"
	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/contentid"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/ledger"
	"github.com/evidencelog/evidencelog/internal/pipeline"
	"github.com/evidencelog/evidencelog/internal/reconcile"
	"github.com/evidencelog/evidencelog/internal/server"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/evidencelog/evidencelog/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newServer starts a complete evidence server backed by a local store and
// a bolt ledger.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Local.DataDir = t.TempDir()

	store, err := storage.NewLocalStore(cfg.Storage.Local.DataDir)
	require.NoError(t, err)
	backend, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	gw := ledger.NewGateway(backend)
	resolver := storage.NewResolver("http://evidence.test/ipfs", "")
	hub := server.NewHub(gw, nil)
	p := pipeline.New(store, contentid.CIDv0{}, gw,
		pipeline.WithResolver(resolver),
		pipeline.WithNotifier(hub))

	s := server.New(cfg, server.Services{
		Pipeline:   p,
		Aggregator: aggregator.New(gw, resolver, nil, nil),
		Ledger:     gw,
		Opener:     store,
		Hub:        hub,
	}, nil, nil)

	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts
}

func TestClient_SubmitAndRead(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, 5*time.Second)
	ctx := context.Background()

	path := testutil.TempFile(t, t.TempDir(), "Crash_11.92_75.38_20250313_040653.mp4", "footage")
	resp, err := c.SubmitFile(ctx, path, "north gate")
	require.NoError(t, err)
	cid := testutil.CIDv0(t, []byte("footage"))
	assert.Equal(t, cid, resp.ContentID)
	assert.Equal(t, "Crash_11.92_75.38_20250313_040653.mp4", resp.Name)
	assert.Equal(t, "confirmed", resp.Status)
	assert.NotEmpty(t, resp.RequestID)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0", list[0].ID)
	assert.Equal(t, "north gate", list[0].Note)

	got, err := c.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, list[0], *got)
	require.NotNil(t, got.Fields)
	assert.Equal(t, "Crash", got.Fields.EventName)

	valid, err := c.Verify(ctx, cid)
	require.NoError(t, err)
	assert.True(t, valid)
	valid, err = c.Verify(ctx, "QmZZZ999")
	require.NoError(t, err)
	assert.False(t, valid)

	png, err := c.QR(ctx, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", health.Records)

	records, err := c.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(0), records[0].ID)
	assert.Equal(t, "http://evidence.test/ipfs/"+cid, records[0].URL)
}

func TestClient_ListEmpty(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, 5*time.Second)

	list, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestClient_GetNotFound(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, 5*time.Second)

	_, err := c.Get(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestClient_SubmitFileMissing(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	_, err := c.SubmitFile(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), "")
	assert.ErrorIs(t, err, evidence.ErrSourceMissing)
	assert.Equal(t, int32(0), hits.Load())
}

func TestClient_SubmitErrorKind(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"Unprocessable Entity","code":422,"kind":"invalid_identifier","message":"content id \"x\" is not valid"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	_, err := c.Submit(context.Background(), strings.NewReader("x"), "x.mp4", "")
	assert.ErrorIs(t, err, evidence.ErrInvalidIdentifier)
	assert.Equal(t, `content id "x" is not valid`, evidence.ReasonOf(err))
}

func TestClient_SubmitNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	c.SetRetry(RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	_, err := c.Submit(context.Background(), strings.NewReader("x"), "x.mp4", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_ReadRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"3","content_id":"QmAbc123"}]`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	c.SetRetry(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	records, err := c.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(3), records[0].ID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_ReadRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal Server Error","code":500,"kind":"partial_read_failure","message":"could not read every ledger record"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	c.SetRetry(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	_, err := c.FetchAll(context.Background())
	assert.ErrorIs(t, err, evidence.ErrPartialReadFailure)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_FetchAllMalformedID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"not-a-number","content_id":"QmAbc123"}]`))
	}))
	defer ts.Close()

	_, err := New(ts.URL, time.Second).FetchAll(context.Background())
	assert.ErrorIs(t, err, evidence.ErrPartialReadFailure)
}

func TestHTTPToWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080", false},
		{"https://evidence.example", "wss://evidence.example", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := httpToWSURL(tt.in)
		if tt.err {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestPushTrigger_RefreshesSession(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := &PushTrigger{Client: c, Debounce: 10 * time.Millisecond, MinBackoff: 10 * time.Millisecond}
	sess := reconcile.NewSession(c, trigger)
	defer func() { _ = sess.Close() }()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	require.Eventually(t, func() bool { return sess.View() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sess.View().Len())

	cid := testutil.CIDv0(t, []byte("pushed"))
	_, err := c.Submit(ctx, strings.NewReader("pushed"), "pushed.mp4", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess.ValidateDeepLink(cid) }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestPushTrigger_Reconnects(t *testing.T) {
	hub := server.NewHub(nil, nil)
	defer hub.Close()

	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		hub.ServeHTTP(w, r)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := &PushTrigger{
		Client:     New(ts.URL, time.Second),
		Debounce:   5 * time.Millisecond,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
	ch := trigger.Start(ctx)

	// The connect itself signals.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after reconnect")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Committed(&evidence.Receipt{ContentID: "QmAbc123", TxHash: "AB"})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after committed event")
	}

	cancel()
	for range ch {
	}
}
