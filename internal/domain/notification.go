package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State represents the delivery state of a notification record.
type State string

const (
	StatePending State = "PENDING"
	StateSent    State = "SENT"
	StateFailed  State = "FAILED"
)

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	switch s {
	case StatePending, StateSent, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateFailed
}

func ParseStateFromString(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid state %q", ErrValidation, s)
	}
	return st, nil
}

// Failure codes recorded in Record.LastError when no gateway code applies.
const (
	ErrorCodeMalformedRecord = "MALFORMED_RECORD"
	ErrorCodeTimeout         = "TIMEOUT"
	ErrorCodeUnknown         = "UNKNOWN"
)

// MaxPayloadBytes is the largest encoded payload accepted for delivery.
const MaxPayloadBytes = 4096

// Payload is the user-visible content of a push notification.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (p Payload) IsEmpty() bool {
	return strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Body) == "" && len(p.Data) == 0
}

// Record is one notification delivery request and its outcome.
type Record struct {
	ID              string
	CreatedAt       time.Time
	Target          string
	Payload         Payload
	State           State
	SentAt          *time.Time
	FailedAt        *time.Time
	DeliveryReceipt string
	LastError       string
	LastErrorDetail string
}

// Validate checks that the record can be handed to a push gateway.
// Failures are permanent and reported as *MalformedRecordError.
func (r *Record) Validate() error {
	if r == nil {
		return &MalformedRecordError{Reason: "record is nil"}
	}
	if strings.TrimSpace(r.Target) == "" {
		return &MalformedRecordError{RecordID: r.ID, Reason: "target is required"}
	}
	if r.Payload.IsEmpty() {
		return &MalformedRecordError{RecordID: r.ID, Reason: "payload is required"}
	}

	encoded, err := json.Marshal(r.Payload)
	if err != nil {
		return &MalformedRecordError{RecordID: r.ID, Reason: fmt.Sprintf("payload is not encodable: %v", err)}
	}
	if len(encoded) > MaxPayloadBytes {
		return &MalformedRecordError{
			RecordID: r.ID,
			Reason:   fmt.Sprintf("payload exceeds %d bytes (got %d)", MaxPayloadBytes, len(encoded)),
		}
	}

	return nil
}

// Patch is a terminal transition applied through a conditional update.
type Patch struct {
	State           State
	SentAt          *time.Time
	FailedAt        *time.Time
	DeliveryReceipt string
	LastError       string
	LastErrorDetail string
}

// SentPatch builds the PENDING -> SENT transition.
func SentPatch(at time.Time, receipt string) Patch {
	sentAt := at.UTC()
	return Patch{
		State:           StateSent,
		SentAt:          &sentAt,
		DeliveryReceipt: receipt,
	}
}

// FailedPatch builds the PENDING -> FAILED transition.
func FailedPatch(at time.Time, code string, detail string) Patch {
	failedAt := at.UTC()
	if strings.TrimSpace(code) == "" {
		code = ErrorCodeUnknown
	}
	return Patch{
		State:           StateFailed,
		FailedAt:        &failedAt,
		LastError:       code,
		LastErrorDetail: detail,
	}
}

// Apply returns a copy of r with the patch applied.
func (p Patch) Apply(r Record) Record {
	r.State = p.State
	switch p.State {
	case StateSent:
		r.SentAt = p.SentAt
		r.DeliveryReceipt = p.DeliveryReceipt
	case StateFailed:
		r.FailedAt = p.FailedAt
		r.LastError = p.LastError
		r.LastErrorDetail = p.LastErrorDetail
	}
	return r
}

func (p Patch) Validate() error {
	switch p.State {
	case StateSent:
		if p.SentAt == nil {
			return fmt.Errorf("%w: sentAt is required for SENT", ErrValidation)
		}
	case StateFailed:
		if p.FailedAt == nil {
			return fmt.Errorf("%w: failedAt is required for FAILED", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: patch must target a terminal state, got %q", ErrValidation, p.State)
	}
	return nil
}
