package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
	"gorm.io/gorm"
)

// RecordStore is durable, queryable storage of notification records.
//
// ConditionalUpdate is the only write allowed after Insert besides
// DeleteBatch: it applies patch only while the stored state equals expected
// and reports whether the write took effect. DeleteBatch is idempotent.
//
// ListPending returns PENDING records created in [createdAfter,
// createdBefore), oldest first. A zero createdAfter leaves the window open
// at the bottom.
type RecordStore interface {
	Insert(ctx context.Context, r *domain.Record) error
	Get(ctx context.Context, id string) (*domain.Record, error)
	ConditionalUpdate(ctx context.Context, id string, expected domain.State, patch domain.Patch) (bool, error)
	QueryCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Record, error)
	ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]domain.Record, error)
	DeleteBatch(ctx context.Context, ids []string) (int, error)
}

const defaultQueryLimit = 500

var _ RecordStore = (*GormRecordStore)(nil)

type GormRecordStore struct {
	db *gorm.DB
}

func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

func (r *GormRecordStore) Insert(ctx context.Context, record *domain.Record) error {
	model := recordModelFromDomain(record)
	if model == nil {
		return fmt.Errorf("%w: record is required", domain.ErrValidation)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*record = *recordModelToDomain(model)
	return nil
}

func (r *GormRecordStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	var model NotificationRecordModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordModelToDomain(&model), nil
}

func (r *GormRecordStore) ConditionalUpdate(ctx context.Context, id string, expected domain.State, patch domain.Patch) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationRecordModel{}).
		Where("id = ? AND state = ?", id, expected).
		Updates(patchColumns(patch))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRecordStore) QueryCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var models []NotificationRecordModel
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return recordsFromModels(models), nil
}

func (r *GormRecordStore) ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := r.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", domain.StatePending, createdBefore)
	if !createdAfter.IsZero() {
		query = query.Where("created_at >= ?", createdAfter)
	}

	var models []NotificationRecordModel
	err := query.
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return recordsFromModels(models), nil
}

func (r *GormRecordStore) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&NotificationRecordModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
