// Package connectivity watches reachability of the hub and publishes
// transitions. The wallet itself never blocks on it: local writes proceed
// regardless, and the sync engine subscribes to learn when pushing is worth
// attempting.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Change is one observed connectivity transition.
type Change struct {
	Online bool
	At     time.Time
}

// Prober answers a single "is the hub reachable right now" question.
// *syncclient.Client satisfies it through Health.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor polls the hub health endpoint and emits a Change on every
// transition. The first probe result is always emitted so subscribers learn
// the initial state.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	online  atomic.Bool
	mu      sync.Mutex
	ch      chan Change
	started bool
	forced  atomic.Bool // test hook engaged; probes suspended
}

// NewMonitor creates a monitor polling at the given interval. Each probe is
// bounded by its own timeout, shorter than the interval.
func NewMonitor(p Prober, interval time.Duration) *Monitor {
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   p,
		interval: interval,
		timeout:  timeout,
		ch:       make(chan Change, 8),
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Events returns the transition channel. It is closed when Run returns.
func (m *Monitor) Events() <-chan Change {
	return m.ch
}

// Run probes until ctx is cancelled. Call at most once.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	defer close(m.ch)

	m.probe(ctx, true)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, false)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, force bool) {
	if m.forced.Load() {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Health(pctx)
	cancel()

	online := err == nil
	was := m.online.Swap(online)
	if !force && was == online {
		return
	}

	if online {
		slog.Info("hub reachable")
	} else {
		slog.Info("hub unreachable", "err", err)
	}
	m.emit(Change{Online: online, At: time.Now()})
}

// SetOnline overrides the observed state and suspends probing. Test hook.
func (m *Monitor) SetOnline(online bool) {
	m.forced.Store(true)
	was := m.online.Swap(online)
	if was != online {
		m.emit(Change{Online: online, At: time.Now()})
	}
}

func (m *Monitor) emit(c Change) {
	select {
	case m.ch <- c:
	default:
		// A slow subscriber only misses intermediate flaps; the latest
		// state is always available through Online.
	}
}
