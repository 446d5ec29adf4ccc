package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSweepSchedule = "@every 24h"

// ErrSweepInProgress is returned by RunNow while another sweep is running.
var ErrSweepInProgress = errors.New("retention sweep already running")

// SweepSchedule runs the retention sweeper on a cron schedule. Runs never
// overlap: a scheduled run that fires during a sweep is skipped.
type SweepSchedule struct {
	sweeper    *RetentionSweeper
	spec       string
	window     time.Duration
	runOnStart bool
	logger     *zap.Logger
	now        func() time.Time

	running sync.Mutex
}

func NewSweepSchedule(
	sweeper *RetentionSweeper,
	spec string,
	window time.Duration,
	runOnStart bool,
	logger *zap.Logger,
) (*SweepSchedule, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("retention sweeper is required")
	}
	if spec == "" {
		spec = defaultSweepSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	if window <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SweepSchedule{
		sweeper:    sweeper,
		spec:       spec,
		window:     window,
		runOnStart: runOnStart,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Start blocks until ctx is cancelled, then waits for a running sweep to
// return.
func (s *SweepSchedule) Start(ctx context.Context) error {
	cronLogger := observability.CronLogger(s.logger)
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if _, err := scheduler.AddFunc(s.spec, func() { s.runScheduled(ctx, "schedule") }); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	scheduler.Start()
	s.logger.Info("retention sweep scheduled",
		zap.String("schedule", s.spec),
		zap.Duration("window", s.window),
	)

	if s.runOnStart {
		s.runScheduled(ctx, "startup")
	}

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// RunNow sweeps synchronously. It fails with ErrSweepInProgress instead of
// waiting when a sweep is already running.
func (s *SweepSchedule) RunNow(ctx context.Context) (SweepResult, error) {
	if !s.running.TryLock() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	return s.sweeper.Sweep(ctx, s.now(), s.window)
}

func (s *SweepSchedule) runScheduled(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}

	_, err := s.RunNow(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Info("retention sweep skipped, previous run still active", zap.String("trigger", trigger))
	case IsSweepPartialFailure(err):
		// Already logged by the sweeper; the next run retries.
	default:
		s.logger.Error("retention sweep failed", zap.String("trigger", trigger), zap.Error(err))
	}
}
