package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/pkg/models"
)

// DefaultSweepInterval is how often expired records are swept.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired session records independent of
// request traffic.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// NewSweeper creates a sweeper for store. Nil logger and metrics are allowed.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "session-sweeper"),
		metrics:  metrics,
	}
}

// Start schedules the sweep. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.started = true
	s.logger.Info("session sweeper started", "interval", s.interval.String())
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.started = false
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("session sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps immediately and returns the number of removed records.
func (s *Sweeper) RunOnce() int {
	removed := s.store.Sweep(s.store.Now())
	if removed > 0 {
		s.logger.Info("swept expired sessions", "removed", removed)
	}
	s.metrics.RecordSweep(removed)
	for status, count := range s.store.Counts() {
		if status == models.SessionPending || status == models.SessionAuthenticated {
			s.metrics.SetActiveSessions(string(status), count)
		}
	}
	return removed
}
