package trigger

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultWatcherConcurrency = 16

// RecordHandler receives one trigger per record.
type RecordHandler interface {
	OnRecordCreated(ctx context.Context, record domain.Record) error
}

// FirestoreWatcher turns document-added events on the unsent query into
// delivery triggers. The first snapshot lists every unsent document, so
// records left over from a previous run are picked up on start.
type FirestoreWatcher struct {
	query       firestore.Query
	handler     RecordHandler
	concurrency int
	logger      *zap.Logger
}

func NewFirestoreWatcher(query firestore.Query, handler RecordHandler, concurrency int, logger *zap.Logger) (*FirestoreWatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("record handler is required")
	}
	if concurrency <= 0 {
		concurrency = defaultWatcherConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FirestoreWatcher{
		query:       query,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start listens until ctx is cancelled.
func (w *FirestoreWatcher) Start(ctx context.Context) error {
	snapshots := w.query.Snapshots(ctx)
	defer snapshots.Stop()

	w.logger.Info("firestore watcher started")
	for {
		snap, err := snapshots.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				w.logger.Info("firestore watcher stopped")
				return nil
			}
			return fmt.Errorf("firestore snapshot listener failed: %w", err)
		}

		w.handleChanges(ctx, snap.Changes)
	}
}

// handleChanges dispatches added documents and waits for them, so one
// snapshot is fully handled before the next is read.
func (w *FirestoreWatcher) handleChanges(ctx context.Context, changes []firestore.DocumentChange) int {
	var g errgroup.Group
	g.SetLimit(w.concurrency)

	dispatched := 0
	for _, change := range changes {
		id, ok := addedDocumentID(change)
		if !ok {
			continue
		}
		dispatched++

		g.Go(func() error {
			w.dispatch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return dispatched
}

func (w *FirestoreWatcher) dispatch(ctx context.Context, id string) {
	err := w.handler.OnRecordCreated(ctx, domain.Record{ID: id})
	if err == nil || ctx.Err() != nil {
		return
	}

	logger := observability.WithContextLogger(w.logger, observability.WithRecordID(ctx, id))
	if errors.Is(err, service.ErrDeliveryInFlight) {
		logger.Debug("record held by another delivery, skipping")
		return
	}
	if domain.IsTransientStoreError(err) {
		logger.Warn("delivery deferred to pending scanner", zap.Error(err))
		return
	}
	logger.Error("delivery trigger failed", zap.Error(err))
}

func addedDocumentID(change firestore.DocumentChange) (string, bool) {
	if change.Kind != firestore.DocumentAdded || change.Doc == nil || change.Doc.Ref == nil {
		return "", false
	}
	return change.Doc.Ref.ID, change.Doc.Ref.ID != ""
}
