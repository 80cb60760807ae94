package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RecordCounter reports the number of records on the ledger.
type RecordCounter interface {
	Count(ctx context.Context) (uint64, error)
}

// Collector periodically samples ledger state into gauges.
type Collector struct {
	metrics *Metrics
	counter RecordCounter
	timeout time.Duration
}

// NewCollector creates a collector that samples counter into m.
func NewCollector(m *Metrics, counter RecordCounter) *Collector {
	return &Collector{
		metrics: m,
		counter: counter,
		timeout: 10 * time.Second,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.counter.Count(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("failed to sample ledger count")
		return
	}
	c.metrics.SetLedgerRecords(n)
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
