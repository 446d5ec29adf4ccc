package trigger

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/push-relay/internal/queue"
)

// InlinePublisher satisfies queue.Publisher by handing messages straight to
// a handler. It lets the pending scanner redeliver when the trigger is a
// Firestore watch and no broker is configured.
type InlinePublisher struct {
	handler queue.MessageHandler
}

func NewInlinePublisher(handler queue.MessageHandler) (*InlinePublisher, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	return &InlinePublisher{handler: handler}, nil
}

func (p *InlinePublisher) Publish(ctx context.Context, queueName string, msg queue.RecordCreatedMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message for %s: %w", queueName, err)
	}
	return p.handler(ctx, msg)
}

func (p *InlinePublisher) Close() error {
	return nil
}
