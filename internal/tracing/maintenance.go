package tracing

import (
	"context"
	"sync"
	"time"

	"kubepulse/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// RetentionStore is the part of the PersistentStore the maintenance loop purges.
type RetentionStore interface {
	DeleteExpiredTraces(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredCache(ctx context.Context, cutoff time.Time) (int64, error)
}

// Maintainer periodically drops traces older than the retention window and expired cache entries.
type Maintainer struct {
	store     RetentionStore
	retention time.Duration
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewMaintainer(store RetentionStore, retention, interval time.Duration) *Maintainer {
	return &Maintainer{
		store:     store,
		retention: retention,
		interval:  interval,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// SetTimeNowFn overrides the clock used to compute cutoffs.
func (m *Maintainer) SetTimeNowFn(f func() time.Time) {
	m.now = f
}

// RunOnce performs one purge and returns the number of traces and cache entries removed.
func (m *Maintainer) RunOnce(ctx context.Context) (traces, cache int64, err error) {
	now := m.now()
	if m.retention > 0 {
		traces, err = m.store.DeleteExpiredTraces(ctx, now.Add(-m.retention))
		if err != nil {
			return 0, 0, err
		}
		metrics.PurgedRowsTotal.WithLabelValues("traces").Add(float64(traces))
	}
	cache, err = m.store.DeleteExpiredCache(ctx, now)
	if err != nil {
		return traces, 0, err
	}
	metrics.PurgedRowsTotal.WithLabelValues("cache").Add(float64(cache))
	return traces, cache, nil
}

// Start runs the purge loop in the background until ctx is done or Stop is called.
func (m *Maintainer) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				traces, cache, err := m.RunOnce(ctx)
				if err != nil {
					log.WithField("component", "maintenance").WithError(err).Error("Purge failed")
					continue
				}
				if traces > 0 || cache > 0 {
					log.WithFields(log.Fields{"component": "maintenance", "traces": traces, "cache": cache}).Info("Purged expired rows")
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
