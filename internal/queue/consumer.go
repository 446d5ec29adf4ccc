package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// redeliveryDelay is how long a message that already failed once is held
// before it is requeued, so a failing store does not spin the queue.
const redeliveryDelay = 2 * time.Second

type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

// RabbitMQConsumer acks a message only after the handler returns nil, so a
// crash mid-delivery leaves the message for redelivery.
type RabbitMQConsumer struct {
	client          *RabbitMQ
	prefetch        int
	redeliveryDelay time.Duration
	logger          *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:          client,
		prefetch:        prefetch,
		redeliveryDelay: redeliveryDelay,
		logger:          logger,
	}
}

// Consume blocks until ctx is cancelled, reopening the channel with
// backoff whenever it drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		consumed, err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}

		wait := reconnectDelay(backoff, consumed)
		c.logger.Warn("consumer disconnected, retrying",
			zap.String("queue", queue),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = min(wait*2, maxBackoff)
	}
}

// reconnectDelay starts over from reconnectBackoff after a session that got
// as far as consuming; only back-to-back failures keep growing the wait.
func reconnectDelay(backoff time.Duration, consumed bool) time.Duration {
	if consumed {
		return reconnectBackoff
	}
	return backoff
}

// consumeOnce runs one consume session. consumed reports whether the broker
// accepted the subscription before the session ended.
func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) (consumed bool, err error) {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return false, err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return false, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				return true, fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return true, err
			}
		}
	}
}

// handleDelivery runs handler on one delivery and settles it. The returned
// error is a broker failure; handler errors are settled, not returned.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	outcome, msg := c.process(ctx, d, handler)

	switch outcome {
	case settleAck:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	case settleDeadLetter:
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject delivery: %w", err)
		}
	case settleRequeue:
		if d.Redelivered {
			c.holdBeforeRequeue(ctx)
		}
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to nack delivery %s: %w", msg.RecordID, err)
		}
	}
	return nil
}

func (c *RabbitMQConsumer) process(ctx context.Context, d amqp.Delivery, handler MessageHandler) (settlement, RecordCreatedMessage) {
	var msg RecordCreatedMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Warn("rejecting message: invalid JSON",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return settleDeadLetter, msg
	}
	if err := msg.Validate(); err != nil {
		c.logger.Warn("rejecting message: validation failed",
			zap.String("recordId", msg.RecordID),
			zap.Error(err),
		)
		return settleDeadLetter, msg
	}

	err := handler(ctx, msg)
	switch {
	case err == nil:
		return settleAck, msg
	case errors.Is(err, ErrDeadLetter):
		c.logger.Warn("dead-lettering message",
			zap.String("recordId", msg.RecordID),
			zap.Error(err),
		)
		return settleDeadLetter, msg
	default:
		c.logger.Info("requeueing message",
			zap.String("recordId", msg.RecordID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		return settleRequeue, msg
	}
}

func (c *RabbitMQConsumer) holdBeforeRequeue(ctx context.Context) {
	if c.redeliveryDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.redeliveryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Close is a no-op: channels are closed when Consume returns and the shared
// connection is closed by its owner.
func (c *RabbitMQConsumer) Close() error {
	return nil
}
