package reconcile

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/rs/zerolog/log"
)

// Source produces the full evidence list.
type Source interface {
	FetchAll(ctx context.Context) ([]evidence.Reconciled, error)
}

// Session owns a viewer's state: the current view, the blob cache and the
// background prefetches that fill it.
type Session struct {
	source   Source
	trigger  Trigger
	cache    *BlobCache
	audit    *audit.Logger
	onUpdate func(*View)
	workers  int

	view atomic.Pointer[View]

	prefetchCtx    context.Context
	cancelPrefetch context.CancelFunc
	sem            chan struct{}
	wg             sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithCache enables background content caching.
func WithCache(c *BlobCache) SessionOption {
	return func(s *Session) {
		s.cache = c
	}
}

// WithOnUpdate registers a callback run after every successful refresh.
func WithOnUpdate(fn func(*View)) SessionOption {
	return func(s *Session) {
		s.onUpdate = fn
	}
}

// WithAudit records deep-link checks in l.
func WithAudit(l *audit.Logger) SessionOption {
	return func(s *Session) {
		s.audit = l
	}
}

// WithPrefetchWorkers bounds concurrent background fetches.
func WithPrefetchWorkers(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewSession creates a session that refreshes from source whenever trigger
// fires.
func NewSession(source Source, trigger Trigger, opts ...SessionOption) *Session {
	s := &Session{
		source:  source,
		trigger: trigger,
		audit:    audit.Nop(),
		workers:  4,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.prefetchCtx, s.cancelPrefetch = context.WithCancel(context.Background())
	s.sem = make(chan struct{}, s.workers)
	s.view.Store(Reconcile(nil))
	return s
}

// Run refreshes once immediately and then on every trigger until ctx ends.
// Refresh failures keep the previous view and do not stop the loop.
func (s *Session) Run(ctx context.Context) error {
	_, _ = s.Refresh(ctx)

	if s.trigger == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for range s.trigger.Start(ctx) {
		_, _ = s.Refresh(ctx)
	}
	return ctx.Err()
}

// Refresh fetches the full list and replaces the current view.
func (s *Session) Refresh(ctx context.Context) (*View, error) {
	records, err := s.source.FetchAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("evidence refresh failed, keeping previous view")
		return s.View(), err
	}

	v := Reconcile(records)
	s.view.Store(v)
	log.Debug().Int("records", len(records)).Int("unique", v.Len()).Msg("evidence view refreshed")

	if s.onUpdate != nil {
		s.onUpdate(v)
	}
	s.prefetch(v)
	return v, nil
}

// View returns the current view. It is never nil.
func (s *Session) View() *View {
	return s.view.Load()
}

// ValidateDeepLink reports whether token names a record in the current view.
func (s *Session) ValidateDeepLink(token string) bool {
	valid := s.View().ValidDeepLink(token)
	result := audit.ResultValid
	if !valid {
		result = audit.ResultInvalid
	}
	s.audit.LogDeepLink(token, result, "")
	return valid
}

// Blob returns the cached content for a record, if it has been fetched.
func (s *Session) Blob(rec evidence.Reconciled) (*Blob, bool) {
	if s.cache == nil || rec.URL == "" {
		return nil, false
	}
	return s.cache.Get(rec.URL)
}

// prefetch starts background fetches for records not yet cached or already
// being fetched. Failures only cost the local copy, so they are logged and
// retried on a later refresh.
func (s *Session) prefetch(v *View) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, rec := range v.records {
		if rec.URL == "" {
			continue
		}
		if _, ok := s.inflight[rec.URL]; ok {
			continue
		}
		if _, ok := s.cache.Get(rec.URL); ok {
			continue
		}

		url := rec.URL
		s.inflight[url] = struct{}{}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.done(url)
			select {
			case s.sem <- struct{}{}:
			case <-s.prefetchCtx.Done():
				return
			}
			defer func() { <-s.sem }()

			if _, err := s.cache.GetOrPopulate(s.prefetchCtx, url); err != nil {
				log.Warn().Err(err).Str("url", url).Msg("content prefetch failed")
			}
		}()
	}
}

func (s *Session) done(url string) {
	s.mu.Lock()
	delete(s.inflight, url)
	s.mu.Unlock()
}

// pending returns the number of prefetches started and not yet finished.
func (s *Session) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close stops background prefetches, waits for them and frees every cached
// blob.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelPrefetch()
	s.wg.Wait()
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}
