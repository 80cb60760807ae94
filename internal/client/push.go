package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/evidencelog/evidencelog/internal/reconcile"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PushTrigger refreshes a reconcile session from the server's change feed.
// It fires once on every (re)connect, since events may have been missed
// while disconnected, and once per committed event after debouncing.
type PushTrigger struct {
	Client     *Client
	Debounce   time.Duration // default 500ms
	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
}

// Start implements reconcile.Trigger.
func (p *PushTrigger) Start(ctx context.Context) <-chan struct{} {
	debounce := p.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	raw := make(chan struct{}, 1)
	go func() {
		defer close(raw)
		p.run(ctx, raw)
	}()
	return reconcile.Debounce(ctx, raw, debounce)
}

func (p *PushTrigger) run(ctx context.Context, out chan struct{}) {
	minBackoff, maxBackoff := p.MinBackoff, p.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	backoff := minBackoff

	for attempt := 1; ctx.Err() == nil; attempt++ {
		connected, err := p.listen(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
			attempt = 1
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", backoff).Msg("change feed disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// listen holds one feed connection open until it fails or ctx ends. It
// reports whether the connection was established.
func (p *PushTrigger) listen(ctx context.Context, out chan struct{}) (bool, error) {
	wsURL, err := httpToWSURL(p.Client.BaseURL())
	if err != nil {
		return false, fmt.Errorf("convert URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"/api/v1/events", nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("change feed connection failed: %s", resp.Status)
		}
		return false, fmt.Errorf("change feed connection failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log.Debug().Str("url", wsURL).Msg("change feed connected")
	notify(out)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		var ev proto.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed change feed event")
			continue
		}
		if ev.Type == proto.EventCommitted {
			log.Debug().Str("content_id", ev.ContentID).Str("count", ev.Count).Msg("evidence committed upstream")
			notify(out)
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func httpToWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return u.String(), nil
}
