package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/usecase/events"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
}

// EventRetrier re-dispatches events whose processing failed.
type EventRetrier interface {
	RetryFailed(ctx context.Context, limit int) (events.RetryReport, error)
}

// WorkflowRecoverer compensates workflow runs abandoned by a crashed process.
type WorkflowRecoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// JournalCleaner drops finished workflow records.
type JournalCleaner interface {
	Cleanup(olderThan time.Time) (int, error)
}

// SweeperConfig controls how frequently failed work is picked up again.
type SweeperConfig struct {
	Interval         time.Duration
	BatchSize        int
	JournalRetention time.Duration
}

// Sweeper periodically retries failed events, recovers interrupted
// workflows and trims the workflow journal.
type Sweeper struct {
	events    EventRetrier
	workflows WorkflowRecoverer
	journal   JournalCleaner
	monitor   ConnectionHealth
	logger    *zap.Logger
	cron      *cron.Cron
	cfg       SweeperConfig
}

func NewSweeper(
	retrier EventRetrier,
	workflows WorkflowRecoverer,
	journal JournalCleaner,
	monitor ConnectionHealth,
	logger *zap.Logger,
	cfg SweeperConfig,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.JournalRetention <= 0 {
		cfg.JournalRetention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sweeper{
		events:    retrier,
		workflows: workflows,
		journal:   journal,
		monitor:   monitor,
		logger:    logger,
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %ds", max(1, int(cfg.Interval.Seconds())))
	_, _ = s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})

	return s
}

// Start launches the cron scheduler.
func (s *Sweeper) Start() {
	if s == nil || s.cron == nil {
		return
	}
	s.cron.Start()
	s.logger.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
}

// Stop gracefully stops the scheduler.
func (s *Sweeper) Stop(ctx context.Context) {
	if s == nil || s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass synchronously. It is skipped while storage is offline.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if s.monitor != nil && !s.monitor.IsOnline() {
		s.logger.Debug("skipping sweep (offline)")
		return nil
	}

	if s.workflows != nil {
		n, err := s.workflows.RecoverInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("recover workflows: %w", err)
		}
		if n > 0 {
			s.logger.Info("recovered interrupted workflows", zap.Int("count", n))
		}
	}

	if s.events != nil {
		report, err := s.events.RetryFailed(ctx, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("retry failed events: %w", err)
		}
		if report.Attempted > 0 {
			s.logger.Info("retried failed events",
				zap.Int("attempted", report.Attempted),
				zap.Int("recovered", report.Recovered),
				zap.Int("failed", report.Failed))
		}
	}

	if s.journal != nil {
		removed, err := s.journal.Cleanup(time.Now().Add(-s.cfg.JournalRetention))
		if err != nil {
			s.logger.Warn("journal cleanup failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Debug("trimmed workflow journal", zap.Int("removed", removed))
		}
	}
	return nil
}
