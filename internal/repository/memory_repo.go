package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
)

var _ RecordStore = (*MemoryRecordStore)(nil)

// MemoryRecordStore keeps records in process memory. Used for local runs and tests.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]domain.Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]domain.Record)}
}

func (s *MemoryRecordStore) Insert(_ context.Context, r *domain.Record) error {
	if r == nil {
		return fmt.Errorf("%w: record is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("record %s already exists", r.ID)
	}
	s.records[r.ID] = cloneRecord(*r)
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneRecord(r)
	return &out, nil
}

func (s *MemoryRecordStore) ConditionalUpdate(_ context.Context, id string, expected domain.State, patch domain.Patch) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok || current.State != expected {
		return false, nil
	}
	s.records[id] = patch.Apply(current)
	return true, nil
}

func (s *MemoryRecordStore) QueryCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Record, error) {
	return s.collect(limit, func(r domain.Record) bool {
		return r.CreatedAt.Before(cutoff)
	}), nil
}

func (s *MemoryRecordStore) ListPending(_ context.Context, createdAfter, createdBefore time.Time, limit int) ([]domain.Record, error) {
	return s.collect(limit, func(r domain.Record) bool {
		return r.State == domain.StatePending &&
			r.CreatedAt.Before(createdBefore) &&
			!r.CreatedAt.Before(createdAfter)
	}), nil
}

func (s *MemoryRecordStore) DeleteBatch(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored records.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryRecordStore) collect(limit int, match func(domain.Record) bool) []domain.Record {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	s.mu.RLock()
	matched := make([]domain.Record, 0)
	for _, r := range s.records {
		if match(r) {
			matched = append(matched, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func cloneRecord(r domain.Record) domain.Record {
	r.Payload.Data = copyData(r.Payload.Data)
	if r.SentAt != nil {
		sentAt := *r.SentAt
		r.SentAt = &sentAt
	}
	if r.FailedAt != nil {
		failedAt := *r.FailedAt
		r.FailedAt = &failedAt
	}
	return r
}
