package queue

import (
	"context"
	"errors"
	"fmt"
)

// Publisher publishes record-created events to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg RecordCreatedMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. Returning an error
// requeues the message unless it wraps ErrDeadLetter.
type MessageHandler func(ctx context.Context, msg RecordCreatedMessage) error

// Consumer consumes record-created events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// ErrDeadLetter tells the consumer to route the message to the dead-letter
// queue instead of requeueing it.
var ErrDeadLetter = errors.New("dead-letter message")

const (
	// RecordCreatedQueue carries one message per record awaiting delivery.
	RecordCreatedQueue = "notifications.created"

	recordCreatedRoutingKey = "notifications.created"
)

// DLQName returns the dead-letter queue name for a work queue.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
