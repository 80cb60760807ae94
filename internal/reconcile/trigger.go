package reconcile

import (
	"context"
	"sync"
	"time"
)

// Trigger tells a session when to refresh. The returned channel is closed
// when ctx ends.
type Trigger interface {
	Start(ctx context.Context) <-chan struct{}
}

// Ticker fires on a fixed interval.
type Ticker struct {
	Interval time.Duration
}

// Start implements Trigger.
func (t Ticker) Start(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(t.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				signal(out)
			}
		}
	}()
	return out
}

// Manual fires whenever Fire is called, for example on SIGHUP.
type Manual struct {
	ch chan struct{}
}

// NewManual creates a manual trigger.
func NewManual() *Manual {
	return &Manual{ch: make(chan struct{}, 1)}
}

// Fire requests a refresh. Requests made while one is pending are merged.
func (m *Manual) Fire() {
	signal(m.ch)
}

// Start implements Trigger.
func (m *Manual) Start(ctx context.Context) <-chan struct{} {
	return forward(ctx, m.ch)
}

// Merge combines triggers into one.
func Merge(triggers ...Trigger) Trigger {
	return merged(triggers)
}

type merged []Trigger

func (m merged) Start(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, t := range m {
		ch := t.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range ch {
				signal(out)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Debounce coalesces signals arriving within interval of each other into a
// single signal emitted once the input has been quiet for interval.
func Debounce(ctx context.Context, in <-chan struct{}, interval time.Duration) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)

		var timer *time.Timer
		var timerChan <-chan time.Time
		pending := false

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case _, ok := <-in:
				if !ok {
					// Input closed, flush any pending signal
					if pending {
						select {
						case out <- struct{}{}:
						case <-ctx.Done():
						}
					}
					return
				}
				pending = true

				if timer == nil {
					timer = time.NewTimer(interval)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(interval)
				}
				timerChan = timer.C

			case <-timerChan:
				if pending {
					select {
					case out <- struct{}{}:
					case <-ctx.Done():
						return
					}
					pending = false
				}
				timerChan = nil
			}
		}
	}()
	return out
}

func forward(ctx context.Context, in <-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-in:
				signal(out)
			}
		}
	}()
	return out
}

// signal sends without blocking; a pending signal already covers this one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
