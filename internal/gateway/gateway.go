package gateway

import (
	"context"

	"github.com/kursadbilgin/push-relay/internal/domain"
)

// Gateway hands one notification to an external push service and returns
// the service's message id as the delivery receipt. Failures are reported
// as *GatewayError.
type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// Message is what the relay delivers for one record.
type Message struct {
	RecordID string
	Target   string
	Payload  domain.Payload
}

// MessageFromRecord builds the outbound message for r.
func MessageFromRecord(r domain.Record) Message {
	return Message{
		RecordID: r.ID,
		Target:   r.Target,
		Payload:  r.Payload,
	}
}
