// Package server exposes the evidence pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/internal/pipeline"
	"github.com/evidencelog/evidencelog/internal/reconcile"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

// Committer runs the commit pipeline.
type Committer interface {
	Commit(ctx context.Context, content io.Reader, name, note string) (*evidence.Receipt, error)
}

// Aggregator reads the full evidence list and enriches single records.
type Aggregator interface {
	FetchAll(ctx context.Context) ([]evidence.Reconciled, error)
	Resolve(rec evidence.Record) evidence.Reconciled
}

// Records reads single records from the ledger.
type Records interface {
	Get(ctx context.Context, id uint64) (evidence.Record, error)
	Count(ctx context.Context) (uint64, error)
}

// Services are the components the server exposes.
type Services struct {
	Pipeline   Committer
	Aggregator Aggregator
	Ledger     Records
	// Opener serves content at /ipfs/ when storage is local. May be nil.
	Opener storage.Opener
	Hub    *Hub
}

// Server is the evidence HTTP API.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	svc       Services
	metrics   *metrics.Metrics
	audit     *audit.Logger
	version   string
	multipart int64
}

// New creates a server.
func New(cfg *config.Config, svc Services, m *metrics.Metrics, a *audit.Logger) *Server {
	if a == nil {
		a = audit.Nop()
	}
	if svc.Hub == nil {
		svc.Hub = NewHub(svc.Ledger, m)
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		svc:       svc,
		metrics:   m,
		audit:     a,
		multipart: 32 << 20,
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(version string) {
	s.version = version
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/evidence", s.handleSubmit)
	s.mux.HandleFunc("GET /api/v1/evidence", s.handleList)
	s.mux.HandleFunc("GET /api/v1/evidence/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/v1/evidence/{id}/qr", s.handleQR)
	s.mux.HandleFunc("GET /api/v1/verify/{contentId}", s.handleVerify)
	s.mux.HandleFunc("GET /api/v1/events", s.svc.Hub.ServeHTTP)

	if s.svc.Opener != nil {
		s.mux.HandleFunc("GET /ipfs/{cid}", s.handleGateway)
	}
	if s.cfg.Metrics.IsEnabled() {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("starting evidence server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.svc.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := proto.HealthResponse{Status: "ok", Version: s.version}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if n, err := s.svc.Ledger.Count(ctx); err != nil {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		resp.Records = strconv.FormatUint(n, 10)
	}

	s.writeJSON(w, code, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Storage.MaxUploadSize))
	if err := r.ParseMultipartForm(s.multipart); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.jsonError(w, "evidence exceeds the maximum upload size", http.StatusRequestEntityTooLarge)
			return
		}
		s.jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.jsonError(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = filepath.Base(hdr.Filename)
	}
	note := r.FormValue("description")

	ctx := pipeline.WithSource(r.Context(), requestID, getClientIP(r))
	receipt, err := s.svc.Pipeline.Commit(ctx, file, name, note)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	resp := proto.FromReceipt(name, receipt)
	resp.RequestID = requestID
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Aggregator.FetchAll(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	out := make([]proto.Evidence, 0, len(records))
	for _, rec := range records {
		out = append(out, proto.FromReconciled(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, proto.FromReconciled(rec))
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if rec.URL == "" {
		s.jsonError(w, "evidence has no content url", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(rec.URL, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Str("url", rec.URL).Msg("failed to encode qr code")
		s.jsonError(w, "failed to encode qr code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(png)
}

// lookup resolves the {id} path value to a record, writing the error
// response itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (evidence.Reconciled, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, "invalid evidence id", http.StatusBadRequest)
		return evidence.Reconciled{}, false
	}

	rec, err := s.svc.Ledger.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return evidence.Reconciled{}, false
	}
	return s.svc.Aggregator.Resolve(rec), true
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentId")

	records, err := s.svc.Aggregator.FetchAll(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	valid := reconcile.Reconcile(records).ValidDeepLink(contentID)

	result := audit.ResultValid
	if !valid {
		result = audit.ResultInvalid
	}
	s.audit.LogDeepLink(contentID, result, getClientIP(r))

	s.writeJSON(w, http.StatusOK, proto.VerifyResponse{ContentID: contentID, Valid: valid})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	rc, info, err := s.svc.Opener.Open(r.Context(), r.PathValue("cid"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.jsonError(w, "content not found", http.StatusNotFound)
			return
		}
		log.Warn().Err(err).Str("content_id", r.PathValue("cid")).Msg("failed to open content")
		s.jsonError(w, "content unavailable", http.StatusBadRequest)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := mime.TypeByExtension(filepath.Ext(info.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if info.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": info.Name}))
	}
	_, _ = io.Copy(w, rc)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind evidence.Kind) int {
	switch kind {
	case evidence.KindNotFound:
		return http.StatusNotFound
	case evidence.KindInvalidIdentifier:
		return http.StatusUnprocessableEntity
	case evidence.KindDuplicateContent:
		return http.StatusConflict
	case evidence.KindUploadFailed, evidence.KindLedgerRejected, evidence.KindRejectedByLedger:
		return http.StatusBadGateway
	case evidence.KindLedgerUnconfirmed:
		return http.StatusGatewayTimeout
	case evidence.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	case evidence.KindSourceMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := evidence.KindOf(err)
	code := statusFor(kind)
	if code >= 500 {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Kind:    string(kind),
		Message: evidence.ReasonOf(err),
	})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// getClientIP extracts the client's IP address from the request.
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
