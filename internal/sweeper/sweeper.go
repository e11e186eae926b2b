// ABOUTME: Periodic grace expiry sweeper with an on-demand trigger
// ABOUTME: The ticker and manual runs call the same RunOnce and share its statistics

package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is how often the sweeper runs when none is configured.
const DefaultInterval = time.Minute

// Processor reclaims expired grace assignments and returns how many
// conversations went back to the queue.
type Processor interface {
	ProcessGraceExpiry(ctx context.Context) (int, error)
}

// Stats summarises sweeper activity.
type Stats struct {
	Runs                int
	Reclaimed           int
	ConsecutiveFailures int
	LastRun             time.Time
	LastError           string
}

// Sweeper drives a Processor on a fixed interval.
type Sweeper struct {
	processor Processor
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New creates a sweeper. A non-positive interval uses DefaultInterval.
func New(p Processor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		processor: p,
		interval:  interval,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}
}

// Interval returns the tick interval.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run sweeps every interval until ctx is cancelled. Failures are logged and
// counted; they never stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("grace expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("grace expiry sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. It is safe to call while Run is active.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.processor.ProcessGraceExpiry(ctx)

	s.mu.Lock()
	s.stats.Runs++
	s.stats.Reclaimed += n
	s.stats.LastRun = s.now()
	if err != nil {
		s.stats.ConsecutiveFailures++
		s.stats.LastError = err.Error()
	} else {
		s.stats.ConsecutiveFailures = 0
		s.stats.LastError = ""
	}
	failures := s.stats.ConsecutiveFailures
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("grace expiry sweep failed", "error", err, "consecutive_failures", failures)
		}
		return n, err
	}
	if n > 0 {
		s.logger.Info("grace expiry sweep reclaimed conversations", "reclaimed", n)
	}
	return n, nil
}

// Stats returns a snapshot of the sweeper's counters.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Healthy reports whether fewer than maxFailures sweeps have failed in a row.
// A non-positive maxFailures disables the check.
func (s *Sweeper) Healthy(maxFailures int) bool {
	if maxFailures <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.ConsecutiveFailures < maxFailures
}
