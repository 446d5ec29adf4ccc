package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/gateway"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/queue"
	"github.com/kursadbilgin/push-relay/internal/ratelimit"
	"github.com/kursadbilgin/push-relay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency  = 1
	defaultGatewayTimeout = 10 * time.Second
	defaultStoreTimeout   = 5 * time.Second
	lockReleaseTimeout    = 2 * time.Second
	baseRetryDelay        = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
	maxRetryJitterMillis  = 250
)

// ErrDeliveryInFlight is returned when another invocation holds the
// delivery lock for the same record.
var ErrDeliveryInFlight = errors.New("delivery already in flight")

// DeliveryLocker is an advisory per-record lock.
type DeliveryLocker interface {
	Acquire(ctx context.Context, recordID string) (release func(context.Context) error, acquired bool, err error)
}

type DeliveryWorkerOptions struct {
	GatewayTimeout time.Duration
	StoreTimeout   time.Duration
	// MaxAttempts bounds gateway calls per invocation. Only transient
	// failures are retried; 1 disables local retry.
	MaxAttempts int
	Concurrency int
}

// DeliveryWorker delivers one record per trigger and records the outcome
// with a conditional update guarded on PENDING, so duplicate triggers for
// the same record apply at most one terminal transition.
type DeliveryWorker struct {
	records     repository.RecordStore
	gateway     gateway.Gateway
	rateLimiter ratelimit.RateLimiter
	locker      DeliveryLocker
	logger      *zap.Logger
	metrics     *observability.Metrics

	gatewayTimeout time.Duration
	storeTimeout   time.Duration
	maxAttempts    int
	concurrency    int

	now      func() time.Time
	randIntn func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDeliveryWorker(
	records repository.RecordStore,
	gw gateway.Gateway,
	opts DeliveryWorkerOptions,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < minWorkerConcurrency {
		opts.Concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		records:        records,
		gateway:        gw,
		rateLimiter:    ratelimit.Unlimited{},
		logger:         logger,
		gatewayTimeout: opts.GatewayTimeout,
		storeTimeout:   opts.StoreTimeout,
		maxAttempts:    opts.MaxAttempts,
		concurrency:    opts.Concurrency,
		now:            time.Now,
		randIntn:       rand.Intn,
		sleep:          sleepWithContext,
	}, nil
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *DeliveryWorker) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if w == nil || limiter == nil {
		return
	}
	w.rateLimiter = limiter
}

func (w *DeliveryWorker) SetLocker(locker DeliveryLocker) {
	if w == nil {
		return
	}
	w.locker = locker
}

// Start consumes record-created events until ctx is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context, consumer queue.Consumer) error {
	if consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.RecordCreatedQueue),
			)

			if err := consumer.Consume(groupCtx, queue.RecordCreatedQueue, w.HandleMessage); err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

// HandleMessage adapts a queue message to OnRecordCreated. A record held by
// another invocation is acked: the holder finishes it, and the pending
// scanner covers a holder that dies.
func (w *DeliveryWorker) HandleMessage(ctx context.Context, msg queue.RecordCreatedMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	err := w.OnRecordCreated(ctx, domain.Record{ID: msg.RecordID})
	if errors.Is(err, ErrDeliveryInFlight) {
		return nil
	}
	return err
}

// OnRecordCreated delivers record if it is still PENDING. Only record.ID is
// trusted; the current state is re-read from the store.
func (w *DeliveryWorker) OnRecordCreated(ctx context.Context, record domain.Record) error {
	ctx = observability.WithRecordID(ctx, record.ID)
	logger := observability.WithContextLogger(w.logger, ctx)
	gatewayName := w.gateway.Name()

	current, err := w.load(ctx, record.ID)
	var malformed *domain.MalformedRecordError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Debug("record not found, skipping")
		w.metrics.IncDelivery(gatewayName, observability.OutcomeSkipped)
		return nil
	case errors.As(err, &malformed):
		return w.failUnreadable(ctx, record.ID, malformed, logger)
	case err != nil:
		return err
	}
	if current.State != domain.StatePending {
		logger.Debug("record already terminal, skipping", zap.String("state", current.State.String()))
		w.metrics.IncDelivery(gatewayName, observability.OutcomeSkipped)
		return nil
	}

	if w.locker != nil {
		release, acquired, lockErr := w.locker.Acquire(ctx, current.ID)
		switch {
		case lockErr != nil:
			logger.Warn("delivery lock unavailable, continuing without it", zap.Error(lockErr))
		case !acquired:
			return ErrDeliveryInFlight
		default:
			defer w.releaseLock(ctx, release, logger)
		}
	}

	w.metrics.IncWorkerInFlight(gatewayName)
	defer w.metrics.DecWorkerInFlight(gatewayName)

	var patch domain.Patch
	if err := current.Validate(); err != nil {
		logger.Warn("record is malformed, failing without delivery", zap.Error(err))
		patch = domain.FailedPatch(w.now(), domain.ErrorCodeMalformedRecord, err.Error())
	} else {
		receipt, sendErr := w.send(ctx, *current)
		if sendErr != nil && ctx.Err() != nil {
			// Shutting down mid-send: leave the record PENDING for redelivery.
			return fmt.Errorf("delivery interrupted: %w", ctx.Err())
		}
		if sendErr != nil {
			gatewayErr := gateway.Classify(sendErr)
			patch = domain.FailedPatch(w.now(), gatewayErr.Code, gatewayErr.Message)
		} else {
			patch = domain.SentPatch(w.now(), receipt)
		}
	}

	applied, err := w.markTerminal(ctx, current.ID, patch)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("record finalized by a concurrent invocation, discarding outcome",
			zap.String("outcome", patch.State.String()),
		)
		w.metrics.IncDelivery(gatewayName, observability.OutcomeConflict)
		return nil
	}

	if patch.State == domain.StateSent {
		logger.Info("notification sent", zap.String("receipt", patch.DeliveryReceipt))
		w.metrics.IncDelivery(gatewayName, observability.OutcomeSent)
		return nil
	}

	logger.Warn("notification failed",
		zap.String("errorCode", patch.LastError),
		zap.String("error", patch.LastErrorDetail),
	)
	w.metrics.IncDelivery(gatewayName, observability.OutcomeFailed)
	return nil
}

// send calls the gateway, retrying transient failures up to maxAttempts.
func (w *DeliveryWorker) send(ctx context.Context, record domain.Record) (string, error) {
	msg := gateway.MessageFromRecord(record)
	gatewayName := w.gateway.Name()

	for attempt := 1; ; attempt++ {
		if err := w.rateLimiter.Wait(ctx, gatewayName); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			w.logger.Warn("rate limiter unavailable, sending without it",
				zap.String("recordId", record.ID),
				zap.Error(err),
			)
		}

		receipt, err := w.sendOnce(ctx, msg)
		if err == nil {
			return receipt, nil
		}
		if attempt >= w.maxAttempts || !gateway.IsTransient(err) || ctx.Err() != nil {
			return "", err
		}

		delay := w.computeRetryDelay(attempt)
		w.logger.Info("transient gateway failure, retrying",
			zap.String("recordId", record.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		w.metrics.IncGatewayRetry(gatewayName)

		if err := w.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (w *DeliveryWorker) sendOnce(ctx context.Context, msg gateway.Message) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, w.gatewayTimeout)
	defer cancel()

	start := w.now()
	receipt, err := w.gateway.Send(sendCtx, msg)
	w.metrics.ObserveGatewaySendDuration(w.gateway.Name(), w.now().Sub(start))

	if err != nil && ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return "", &gateway.GatewayError{
			Code:      gateway.CodeTimeout,
			Message:   fmt.Sprintf("gateway did not answer within %s", w.gatewayTimeout),
			Transient: true,
			Cause:     err,
		}
	}
	return receipt, err
}

func (w *DeliveryWorker) load(ctx context.Context, id string) (*domain.Record, error) {
	loadCtx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	defer cancel()

	record, err := w.records.Get(loadCtx, id)
	if err != nil {
		var malformed *domain.MalformedRecordError
		if errors.Is(err, domain.ErrNotFound) || errors.As(err, &malformed) {
			return nil, err
		}
		return nil, &domain.TransientStoreError{Op: "get", RecordID: id, Cause: err}
	}
	return record, nil
}

// failUnreadable marks a record the store could not decode as FAILED. A
// retry would read the same bytes, so the outcome is terminal.
func (w *DeliveryWorker) failUnreadable(ctx context.Context, id string, cause *domain.MalformedRecordError, logger *zap.Logger) error {
	gatewayName := w.gateway.Name()
	patch := domain.FailedPatch(w.now(), domain.ErrorCodeMalformedRecord, cause.Error())

	applied, err := w.markTerminal(ctx, id, patch)
	if err != nil {
		return err
	}
	if !applied {
		logger.Debug("unreadable record is not pending, skipping")
		w.metrics.IncDelivery(gatewayName, observability.OutcomeSkipped)
		return nil
	}

	logger.Warn("record is unreadable, failing without delivery", zap.Error(cause))
	w.metrics.IncDelivery(gatewayName, observability.OutcomeFailed)
	return nil
}

// markTerminal writes the outcome even if ctx was cancelled after the
// gateway accepted the message.
func (w *DeliveryWorker) markTerminal(ctx context.Context, id string, patch domain.Patch) (bool, error) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.storeTimeout)
	defer cancel()

	applied, err := w.records.ConditionalUpdate(updateCtx, id, domain.StatePending, patch)
	if err != nil {
		return false, &domain.TransientStoreError{Op: "conditional_update", RecordID: id, Cause: err}
	}
	return applied, nil
}

func (w *DeliveryWorker) releaseLock(ctx context.Context, release func(context.Context) error, logger *zap.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()

	if err := release(releaseCtx); err != nil {
		logger.Warn("failed to release delivery lock", zap.Error(err))
	}
}

func (w *DeliveryWorker) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if w.randIntn != nil {
		jitterMillis = w.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
