package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Supervisor runs a Collector periodically.
type Supervisor struct {
	collector *Collector
	blockDays int
	hrefDays  int
	interval  time.Duration

	// run serializes collections between the timer and RunNow.
	run sync.Mutex

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewSupervisor returns a stopped Supervisor.
func NewSupervisor(c *Collector, blockDays, hrefDays int) *Supervisor {
	return &Supervisor{
		collector: c,
		blockDays: blockDays,
		hrefDays:  hrefDays,
		interval:  Interval(blockDays, hrefDays),
	}
}

// Start schedules a run every interval, the first one an interval from now.
// It returns immediately; calling it twice is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// RunNow runs a collection immediately, waiting for a scheduled one to
// complete first.
func (s *Supervisor) RunNow(ctx context.Context) (Result, error) {
	s.run.Lock()
	defer s.run.Unlock()
	return s.collector.Run(ctx, s.blockDays, s.hrefDays)
}

func (s *Supervisor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if _, err := s.RunNow(ctx); err != nil {
				slog.ErrorContext(ctx, "Garbage collection failed", "err", err)
			}
			timer.Reset(s.interval)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
