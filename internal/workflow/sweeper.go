package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
)

// DefaultSweepSchedule runs the retention sweep hourly.
const DefaultSweepSchedule = "@every 1h"

// Sweeper deletes checkpoints older than the retention window on a cron
// schedule.
type Sweeper struct {
	store     conversation.Store
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
	timeout   time.Duration
	now       func() time.Time
}

// NewSweeper validates schedule and returns a stopped sweeper.
func NewSweeper(store conversation.Store, retention time.Duration, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: store must not be nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("sweeper: retention must be positive, got %s", retention)
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
		timeout:   time.Minute,
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("checkpoint sweeper started", "retention", s.retention)
}

// Stop halts the schedule and waits for a running sweep up to ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
	}
}

// RunOnce deletes everything last touched before now minus retention.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		observability.RecordCheckpointOp("sweep", "error")
		return n, fmt.Errorf("sweep checkpoints: %w", err)
	}
	observability.RecordCheckpointOp("sweep", "ok")
	return n, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("checkpoint sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired checkpoints removed", "count", n)
	}
}
