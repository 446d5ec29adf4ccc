package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/queue"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultPendingScanInterval = time.Minute
	defaultPendingGrace        = 2 * time.Minute
	defaultPendingScanLimit    = 500
)

type PendingScannerOptions struct {
	Interval time.Duration
	// Grace is how long a record may stay PENDING before it is republished.
	Grace time.Duration
	// Retention bounds the scan: older records belong to the sweeper.
	Retention time.Duration
	Limit     int
}

// PendingScanner republishes record-created events for records that stayed
// PENDING past the grace period, covering events lost between insert and
// publish or dropped by the broker.
type PendingScanner struct {
	records   repository.RecordStore
	publisher queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	grace     time.Duration
	retention time.Duration
	limit     int
	now       func() time.Time
}

func NewPendingScanner(
	records repository.RecordStore,
	publisher queue.Publisher,
	opts PendingScannerOptions,
	logger *zap.Logger,
) (*PendingScanner, error) {
	if records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPendingScanInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultPendingGrace
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultPendingScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PendingScanner{
		records:   records,
		publisher: publisher,
		logger:    logger,
		interval:  opts.Interval,
		grace:     opts.Grace,
		retention: opts.Retention,
		limit:     opts.Limit,
		now:       time.Now,
	}, nil
}

func (s *PendingScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *PendingScanner) Start(ctx context.Context) error {
	// Run an initial scan so records stranded by a previous process are not
	// left waiting for the first ticker edge.
	if _, err := s.scanPending(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("pending scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.scanPending(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("pending scanner scan failed", zap.Error(err))
			}
		}
	}
}

// scanPending returns the number of records republished.
func (s *PendingScanner) scanPending(ctx context.Context) (int, error) {
	now := s.now().UTC()

	// Records past the retention window belong to the sweeper. The bound is
	// part of the query so a backlog of them cannot fill every page.
	var retentionCutoff time.Time
	if s.retention > 0 {
		retentionCutoff = now.Add(-s.retention)
	}

	stale, err := s.records.ListPending(ctx, retentionCutoff, now.Add(-s.grace), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending records: %w", err)
	}

	published := 0
	for _, record := range stale {
		msg := queue.RecordCreatedMessage{
			RecordID: record.ID,
			Reason:   queue.ReasonRescan,
		}
		if err := s.publisher.Publish(ctx, queue.RecordCreatedQueue, msg); err != nil {
			s.logger.Error("failed to republish pending record",
				zap.String("recordId", record.ID),
				zap.String("queue", queue.RecordCreatedQueue),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	if published > 0 {
		s.logger.Info("republished pending records", zap.Int("count", published))
	}
	s.metrics.AddRedeliveriesPublished(published)
	return published, nil
}
