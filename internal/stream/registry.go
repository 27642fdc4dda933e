package stream

import (
	"context"
	"sync"
	"time"

	"kubepulse/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// Connection is the bookkeeping entry of one open stream.
type Connection struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"lastActive"`
}

type RegistryOptions struct {
	// SweepInterval is how often the reaper runs.
	SweepInterval time.Duration
	// MaxAge evicts entries older than this regardless of activity.
	MaxAge time.Duration
	// IdleTimeout evicts entries not touched for this long.
	IdleTimeout time.Duration
}

func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		SweepInterval: 5 * time.Minute,
		MaxAge:        10 * time.Minute,
		IdleTimeout:   5 * time.Minute,
	}
}

// Registry tracks open streams. It is advisory: evicting an entry never closes the underlying connection, the
// request context stays the liveness signal.
type Registry struct {
	opts  RegistryOptions
	conns sync.Map // string -> *entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

type entry struct {
	mu   sync.Mutex
	conn Connection
}

func NewRegistry(opts RegistryOptions) *Registry {
	def := DefaultRegistryOptions()
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	return &Registry{opts: opts, stopCh: make(chan struct{}), now: time.Now}
}

// SetTimeNowFn overrides the registry clock.
func (r *Registry) SetTimeNowFn(f func() time.Time) {
	r.now = f
}

// Track registers id, replacing any previous entry with the same id. The returned release removes the entry
// only while it is still the one this call stored, so a replaced or reaped entry is left alone.
func (r *Registry) Track(id string) (release func()) {
	now := r.now()
	e := &entry{conn: Connection{ID: id, Created: now, LastActive: now}}
	r.conns.Store(id, e)
	return func() {
		r.conns.CompareAndDelete(id, e)
	}
}

// Touch marks id as active. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	v, ok := r.conns.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.conn.LastActive = r.now()
	e.mu.Unlock()
}

// Untrack removes id whoever stored it.
func (r *Registry) Untrack(id string) {
	r.conns.Delete(id)
}

func (r *Registry) Len() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns a copy of every tracked entry.
func (r *Registry) Snapshot() []Connection {
	var out []Connection
	r.conns.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.conn)
		e.mu.Unlock()
		return true
	})
	return out
}

// Sweep evicts entries older than MaxAge or idle longer than IdleTimeout at now and returns how many went.
func (r *Registry) Sweep(now time.Time) int {
	evicted := 0
	r.conns.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		stale := now.Sub(e.conn.Created) > r.opts.MaxAge || now.Sub(e.conn.LastActive) > r.opts.IdleTimeout
		e.mu.Unlock()
		// CompareAndDelete keeps a concurrent re-Track of the same id.
		if stale && r.conns.CompareAndDelete(k, v) {
			evicted++
		}
		return true
	})
	if evicted > 0 {
		metrics.RegistryEvictionsTotal.Add(float64(evicted))
		log.WithFields(log.Fields{"component": "registry", "evicted": evicted}).Info("Evicted stale stream entries")
	}
	return evicted
}

// Start runs the reaper until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(r.now())
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
