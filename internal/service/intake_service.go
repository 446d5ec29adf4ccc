package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/queue"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"go.uber.org/zap"
)

// IntakeService creates notification records and announces them to the
// delivery worker.
type IntakeService struct {
	records   repository.RecordStore
	publisher queue.Publisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewIntakeService builds the intake path. publisher may be nil when the
// store itself triggers delivery (Firestore watch).
func NewIntakeService(records repository.RecordStore, publisher queue.Publisher, logger *zap.Logger) (*IntakeService, error) {
	if records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntakeService{
		records:   records,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Create stores a new PENDING record and publishes its record-created event.
// A publish failure is logged only: the record is durable and the pending
// scanner republishes it.
func (s *IntakeService) Create(ctx context.Context, input domain.Record) (*domain.Record, error) {
	record := domain.Record{
		ID:        s.newID(),
		CreatedAt: s.now().UTC(),
		Target:    input.Target,
		Payload:   input.Payload,
		State:     domain.StatePending,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	if err := s.records.Insert(ctx, &record); err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	logger := observability.WithContextLogger(s.logger, observability.WithRecordID(ctx, record.ID))
	if s.publisher == nil {
		logger.Debug("record created")
		return &record, nil
	}

	msg := queue.RecordCreatedMessage{
		RecordID: record.ID,
		Reason:   queue.ReasonCreated,
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}

	if err := s.publisher.Publish(ctx, queue.RecordCreatedQueue, msg); err != nil {
		logger.Warn("failed to publish record-created event, leaving it to the pending scanner", zap.Error(err))
		return &record, nil
	}

	logger.Debug("record created and published")
	return &record, nil
}

func (s *IntakeService) Get(ctx context.Context, id string) (*domain.Record, error) {
	return s.records.Get(ctx, id)
}
