package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"go.uber.org/zap"
)

const defaultSweepPageSize = 500

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int       `json:"deleted"`
	Pages   int       `json:"pages"`
	Failed  int       `json:"failed"`
}

// SweepPartialFailure reports a sweep that stopped on a failed page. Records
// deleted before the failure stay deleted; the next run picks up the rest.
type SweepPartialFailure struct {
	Deleted int
	Failed  int
	Cause   error
}

func (e *SweepPartialFailure) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("retention sweep incomplete: deleted=%d failed=%d: %v", e.Deleted, e.Failed, e.Cause)
}

func (e *SweepPartialFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// RetentionSweeper deletes records older than the retention window
// regardless of state.
type RetentionSweeper struct {
	records  repository.RecordStore
	pageSize int
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewRetentionSweeper(records repository.RecordStore, pageSize int, logger *zap.Logger) (*RetentionSweeper, error) {
	if records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if pageSize <= 0 {
		pageSize = defaultSweepPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		records:  records,
		pageSize: pageSize,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *RetentionSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Sweep deletes every record created before now-window, one page at a time,
// until a page comes back shorter than the page size.
func (s *RetentionSweeper) Sweep(ctx context.Context, now time.Time, window time.Duration) (SweepResult, error) {
	if window <= 0 {
		return SweepResult{}, fmt.Errorf("%w: retention window must be positive", domain.ErrValidation)
	}

	started := s.now()
	result := SweepResult{Cutoff: now.Add(-window).UTC()}

	err := s.sweepPages(ctx, &result)
	s.metrics.ObserveSweep(result.Deleted, err != nil, s.now().Sub(started))

	if err != nil {
		s.logger.Error("retention sweep incomplete",
			zap.Time("cutoff", result.Cutoff),
			zap.Int("deleted", result.Deleted),
			zap.Int("failed", result.Failed),
			zap.Error(err),
		)
		return result, err
	}

	s.logger.Info("retention sweep finished",
		zap.Time("cutoff", result.Cutoff),
		zap.Int("deleted", result.Deleted),
		zap.Int("pages", result.Pages),
	)
	return result, nil
}

func (s *RetentionSweeper) sweepPages(ctx context.Context, result *SweepResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return &SweepPartialFailure{Deleted: result.Deleted, Cause: err}
		}

		page, err := s.records.QueryCreatedBefore(ctx, result.Cutoff, s.pageSize)
		if err != nil {
			return &SweepPartialFailure{
				Deleted: result.Deleted,
				Cause:   &domain.TransientStoreError{Op: "query_created_before", Cause: err},
			}
		}
		if len(page) == 0 {
			return nil
		}

		ids := make([]string, 0, len(page))
		for i := range page {
			ids = append(ids, page[i].ID)
		}

		deleted, err := s.records.DeleteBatch(ctx, ids)
		if err != nil {
			result.Failed += len(ids) - deleted
			result.Deleted += deleted
			return &SweepPartialFailure{
				Deleted: result.Deleted,
				Failed:  result.Failed,
				Cause:   &domain.TransientStoreError{Op: "delete_batch", Cause: err},
			}
		}

		result.Deleted += deleted
		result.Pages++

		// A short page is the last one. A page that deleted nothing would
		// come back unchanged, so stop rather than spin.
		if len(page) < s.pageSize || deleted == 0 {
			return nil
		}
	}
}

// IsSweepPartialFailure reports whether err is a *SweepPartialFailure.
func IsSweepPartialFailure(err error) bool {
	var partial *SweepPartialFailure
	return errors.As(err, &partial)
}
