package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/queue"
	"github.com/kursadbilgin/push-relay/internal/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRecordHandler struct {
	mu    sync.Mutex
	ids   []string
	errFn func(id string) error
}

func (f *fakeRecordHandler) OnRecordCreated(ctx context.Context, record domain.Record) error {
	f.mu.Lock()
	f.ids = append(f.ids, record.ID)
	f.mu.Unlock()

	if f.errFn != nil {
		return f.errFn(record.ID)
	}
	return nil
}

func docChange(kind firestore.DocumentChangeKind, id string) firestore.DocumentChange {
	return firestore.DocumentChange{
		Kind: kind,
		Doc:  &firestore.DocumentSnapshot{Ref: &firestore.DocumentRef{ID: id}},
	}
}

func TestFirestoreWatcherDispatchesAddedDocuments(t *testing.T) {
	t.Parallel()

	handler := &fakeRecordHandler{}
	watcher, err := NewFirestoreWatcher(firestore.Query{}, handler, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFirestoreWatcher() error = %v", err)
	}

	dispatched := watcher.handleChanges(context.Background(), []firestore.DocumentChange{
		docChange(firestore.DocumentAdded, "n1"),
		docChange(firestore.DocumentModified, "n2"),
		docChange(firestore.DocumentRemoved, "n3"),
		docChange(firestore.DocumentAdded, "n4"),
		{Kind: firestore.DocumentAdded},
	})

	if dispatched != 2 {
		t.Fatalf("dispatched = %d, want 2", dispatched)
	}
	sort.Strings(handler.ids)
	if len(handler.ids) != 2 || handler.ids[0] != "n1" || handler.ids[1] != "n4" {
		t.Fatalf("handled ids = %v, want [n1 n4]", handler.ids)
	}
}

func TestFirestoreWatcherLogsHandlerErrors(t *testing.T) {
	t.Parallel()

	handler := &fakeRecordHandler{
		errFn: func(id string) error {
			if id == "n1" {
				return &domain.TransientStoreError{Op: "get", RecordID: id, Cause: errors.New("unavailable")}
			}
			return errors.New("boom")
		},
	}
	core, logs := observer.New(zapcore.WarnLevel)

	watcher, err := NewFirestoreWatcher(firestore.Query{}, handler, 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewFirestoreWatcher() error = %v", err)
	}
	watcher.handleChanges(context.Background(), []firestore.DocumentChange{
		docChange(firestore.DocumentAdded, "n1"),
		docChange(firestore.DocumentAdded, "n2"),
	})

	if logs.FilterMessage("delivery deferred to pending scanner").Len() != 1 {
		t.Fatal("expected a warning for the transient store error")
	}
	if logs.FilterMessage("delivery trigger failed").Len() != 1 {
		t.Fatal("expected an error log for the handler failure")
	}
}

func TestFirestoreWatcherSkipsRecordsHeldByAnotherDelivery(t *testing.T) {
	t.Parallel()

	handler := &fakeRecordHandler{
		errFn: func(id string) error {
			return fmt.Errorf("deliver %s: %w", id, service.ErrDeliveryInFlight)
		},
	}
	core, logs := observer.New(zapcore.DebugLevel)

	watcher, err := NewFirestoreWatcher(firestore.Query{}, handler, 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewFirestoreWatcher() error = %v", err)
	}
	watcher.handleChanges(context.Background(), []firestore.DocumentChange{
		docChange(firestore.DocumentAdded, "n1"),
	})

	if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 0 || logs.FilterLevelExact(zapcore.WarnLevel).Len() != 0 {
		t.Fatalf("unexpected warn/error logs: %v", logs.All())
	}
	if logs.FilterMessage("record held by another delivery, skipping").Len() != 1 {
		t.Fatal("expected a debug log for the in-flight record")
	}
}

func TestNewFirestoreWatcherRequiresHandler(t *testing.T) {
	t.Parallel()

	if _, err := NewFirestoreWatcher(firestore.Query{}, nil, 1, nil); err == nil {
		t.Fatal("expected error when handler is nil")
	}
}

func TestInlinePublisher(t *testing.T) {
	t.Parallel()

	var got queue.RecordCreatedMessage
	publisher, err := NewInlinePublisher(func(ctx context.Context, msg queue.RecordCreatedMessage) error {
		got = msg
		return nil
	})
	if err != nil {
		t.Fatalf("NewInlinePublisher() error = %v", err)
	}

	msg := queue.RecordCreatedMessage{RecordID: "n1", Reason: queue.ReasonRescan}
	if err := publisher.Publish(context.Background(), queue.RecordCreatedQueue, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got != msg {
		t.Fatalf("handled = %+v, want %+v", got, msg)
	}

	if err := publisher.Publish(context.Background(), queue.RecordCreatedQueue, queue.RecordCreatedMessage{}); err == nil {
		t.Fatal("Publish() error = nil for message without record id")
	}

	if _, err := NewInlinePublisher(nil); err == nil {
		t.Fatal("expected error when handler is nil")
	}
}
