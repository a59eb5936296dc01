package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
)

// Scheduler drives periodic sweeps. It is owned by the serve command
// and carries no package-level state. The first sweep fires one full
// interval after Start, not immediately.
type Scheduler struct {
	rec      *Reconciler
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler wraps a reconciler in a ticker loop.
func NewScheduler(rec *Reconciler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		rec:      rec,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine. Safe to call once;
// repeat calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	logging.Reconcile("Scheduler started (interval %s)", s.interval)
	go s.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
// Cancel the Start context first when a sweep should be abandoned
// rather than awaited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	logging.Reconcile("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.rec.Sweep(ctx)
		}
	}
}
