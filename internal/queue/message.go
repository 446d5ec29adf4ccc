package queue

import (
	"fmt"
	"strings"
)

// Reasons a record-created event was published.
const (
	ReasonCreated = "created"
	ReasonRescan  = "rescan"
)

// RecordCreatedMessage is the broker payload announcing a record that needs
// delivery. The record itself is re-read from the store by the consumer.
type RecordCreatedMessage struct {
	RecordID      string `json:"recordId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (m RecordCreatedMessage) Validate() error {
	if strings.TrimSpace(m.RecordID) == "" {
		return fmt.Errorf("recordId is required")
	}
	switch m.Reason {
	case "", ReasonCreated, ReasonRescan:
		return nil
	default:
		return fmt.Errorf("invalid reason %q", m.Reason)
	}
}
