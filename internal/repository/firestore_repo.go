package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/kursadbilgin/push-relay/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore caps a write batch at 500 operations.
const firestoreMaxBatchWrites = 500

// stateFields are the fields state is derived from. Scans read only these
// (plus createdAt) so a document with an undecodable payload still shows up.
var stateFields = []string{"state", "sent", "error", "errorCode", "createdAt"}

var _ RecordStore = (*FirestoreRecordStore)(nil)

// firestoreRecord is the document shape of the notifications collection.
// Documents written by older clients carry only the sent flag; state is
// derived from it when absent.
type firestoreRecord struct {
	Token        string                `firestore:"token"`
	Notification firestoreNotification `firestore:"notification"`
	Data         map[string]string     `firestore:"data,omitempty"`
	State        string                `firestore:"state,omitempty"`
	Sent         bool                  `firestore:"sent"`
	SentAt       *time.Time            `firestore:"sentAt,omitempty"`
	FailedAt     *time.Time            `firestore:"failedAt,omitempty"`
	Response     string                `firestore:"response,omitempty"`
	Error        string                `firestore:"error,omitempty"`
	ErrorCode    string                `firestore:"errorCode,omitempty"`
	CreatedAt    time.Time             `firestore:"createdAt"`
}

type firestoreNotification struct {
	Title string `firestore:"title"`
	Body  string `firestore:"body"`
}

type FirestoreRecordStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreRecordStore(client *firestore.Client, collection string) *FirestoreRecordStore {
	if collection == "" {
		collection = "notifications"
	}
	return &FirestoreRecordStore{client: client, collection: collection}
}

func (s *FirestoreRecordStore) records() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// WatchQuery covers the whole collection. Producers are not required to
// write state or sent, and an equality filter would skip documents missing
// the field; the worker re-reads each document and skips terminal ones.
func (s *FirestoreRecordStore) WatchQuery() firestore.Query {
	return s.records().Query
}

func (s *FirestoreRecordStore) Insert(ctx context.Context, r *domain.Record) error {
	if r == nil {
		return fmt.Errorf("%w: record is required", domain.ErrValidation)
	}
	if _, err := s.records().Doc(r.ID).Create(ctx, firestoreRecordFromDomain(r)); err != nil {
		return fmt.Errorf("failed to create record %s: %w", r.ID, err)
	}
	return nil
}

func (s *FirestoreRecordStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	snap, err := s.records().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return RecordFromSnapshot(snap)
}

// ConditionalUpdate reads and writes inside one transaction so a concurrent
// terminal write makes this one a no-op.
func (s *FirestoreRecordStore) ConditionalUpdate(ctx context.Context, id string, expected domain.State, patch domain.Patch) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}

	ref := s.records().Doc(id)
	applied := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false

		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}

		if stateFromFields(snap.Data()) != expected {
			return nil
		}

		if err := tx.Update(ref, firestorePatchUpdates(patch)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// QueryCreatedBefore returns ID, CreatedAt and State only. The payload is
// not decoded, so one bad document cannot stall retention.
func (s *FirestoreRecordStore) QueryCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	docs, err := s.records().
		Where("createdAt", "<", cutoff).
		OrderBy("createdAt", firestore.Asc).
		Select(stateFields...).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query records created before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	records := make([]domain.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, recordHeaderFromFields(doc.Ref.ID, doc.Data()))
	}
	return records, nil
}

// ListPending pages through the window oldest first until limit PENDING
// documents are found. State cannot be filtered server side because older
// documents carry neither state nor sent. Like QueryCreatedBefore it returns
// ID, CreatedAt and State only.
func (s *FirestoreRecordStore) ListPending(ctx context.Context, createdAfter, createdBefore time.Time, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := s.records().Where("createdAt", "<", createdBefore)
	if !createdAfter.IsZero() {
		query = query.Where("createdAt", ">=", createdAfter)
	}
	query = query.OrderBy("createdAt", firestore.Asc).Select(stateFields...).Limit(limit)

	pending := make([]domain.Record, 0, limit)
	page := query
	for {
		docs, err := page.Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to list pending records: %w", err)
		}

		for _, doc := range docs {
			r := recordHeaderFromFields(doc.Ref.ID, doc.Data())
			if r.State != domain.StatePending {
				continue
			}
			pending = append(pending, r)
			if len(pending) == limit {
				return pending, nil
			}
		}

		if len(docs) < limit {
			return pending, nil
		}
		page = query.StartAfter(docs[len(docs)-1])
	}
}

// DeleteBatch deletes ids in chunks of at most 500 writes. Firestore deletes
// of missing documents succeed, so the returned count is len(ids) on success.
func (s *FirestoreRecordStore) DeleteBatch(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for start := 0; start < len(ids); start += firestoreMaxBatchWrites {
		end := start + firestoreMaxBatchWrites
		if end > len(ids) {
			end = len(ids)
		}

		batch := s.client.Batch()
		for _, id := range ids[start:end] {
			batch.Delete(s.records().Doc(id))
		}
		if _, err := batch.Commit(ctx); err != nil {
			return deleted, fmt.Errorf("failed to commit delete batch: %w", err)
		}
		deleted += end - start
	}
	return deleted, nil
}

// RecordFromSnapshot decodes a notifications document into a Record.
func RecordFromSnapshot(snap *firestore.DocumentSnapshot) (*domain.Record, error) {
	if snap == nil || !snap.Exists() {
		return nil, domain.ErrNotFound
	}

	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return nil, &domain.MalformedRecordError{
			RecordID: snap.Ref.ID,
			Reason:   fmt.Sprintf("undecodable document: %v", err),
		}
	}
	return firestoreRecordToDomain(snap.Ref.ID, doc), nil
}

// recordHeaderFromFields reads ID, CreatedAt and State from raw document
// fields without decoding the rest.
func recordHeaderFromFields(id string, fields map[string]any) domain.Record {
	createdAt, _ := fields["createdAt"].(time.Time)
	return domain.Record{
		ID:        id,
		CreatedAt: createdAt,
		State:     stateFromFields(fields),
	}
}

// stateFromFields derives state from raw fields, ignoring values of the
// wrong type.
func stateFromFields(fields map[string]any) domain.State {
	var doc firestoreRecord
	doc.State, _ = fields["state"].(string)
	doc.Sent, _ = fields["sent"].(bool)
	doc.Error, _ = fields["error"].(string)
	doc.ErrorCode, _ = fields["errorCode"].(string)
	return deriveFirestoreState(doc)
}

func firestoreRecordFromDomain(r *domain.Record) firestoreRecord {
	return firestoreRecord{
		Token: r.Target,
		Notification: firestoreNotification{
			Title: r.Payload.Title,
			Body:  r.Payload.Body,
		},
		Data:      copyData(r.Payload.Data),
		State:     string(r.State),
		Sent:      r.State == domain.StateSent,
		SentAt:    r.SentAt,
		FailedAt:  r.FailedAt,
		Response:  r.DeliveryReceipt,
		Error:     r.LastErrorDetail,
		ErrorCode: r.LastError,
		CreatedAt: r.CreatedAt,
	}
}

func firestoreRecordToDomain(id string, doc firestoreRecord) *domain.Record {
	r := &domain.Record{
		ID:        id,
		CreatedAt: doc.CreatedAt,
		Target:    doc.Token,
		Payload: domain.Payload{
			Title: doc.Notification.Title,
			Body:  doc.Notification.Body,
			Data:  copyData(doc.Data),
		},
		State:           deriveFirestoreState(doc),
		SentAt:          doc.SentAt,
		FailedAt:        doc.FailedAt,
		DeliveryReceipt: doc.Response,
		LastError:       doc.ErrorCode,
		LastErrorDetail: doc.Error,
	}
	if r.State == domain.StateFailed && r.LastError == "" {
		r.LastError = domain.ErrorCodeUnknown
	}
	return r
}

func deriveFirestoreState(doc firestoreRecord) domain.State {
	if state, err := domain.ParseStateFromString(doc.State); err == nil {
		return state
	}
	switch {
	case doc.Sent:
		return domain.StateSent
	case doc.Error != "" || doc.ErrorCode != "":
		return domain.StateFailed
	default:
		return domain.StatePending
	}
}

// firestorePatchUpdates keeps the legacy sent flag in step with state.
func firestorePatchUpdates(p domain.Patch) []firestore.Update {
	updates := []firestore.Update{
		{Path: "state", Value: string(p.State)},
		{Path: "sent", Value: p.State == domain.StateSent},
	}

	switch p.State {
	case domain.StateSent:
		updates = append(updates,
			firestore.Update{Path: "sentAt", Value: *p.SentAt},
			firestore.Update{Path: "response", Value: p.DeliveryReceipt},
		)
	case domain.StateFailed:
		updates = append(updates,
			firestore.Update{Path: "failedAt", Value: *p.FailedAt},
			firestore.Update{Path: "errorCode", Value: p.LastError},
			firestore.Update{Path: "error", Value: p.LastErrorDetail},
		)
	}
	return updates
}
