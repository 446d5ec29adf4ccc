package gateway

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

const fcmGatewayName = "fcm"

// DeliveryHints are the platform options applied to every FCM message.
type DeliveryHints struct {
	AndroidChannelID string
	Sound            string
	Badge            int
}

func (h DeliveryHints) withDefaults() DeliveryHints {
	if h.AndroidChannelID == "" {
		h.AndroidChannelID = "default"
	}
	if h.Sound == "" {
		h.Sound = "default"
	}
	return h
}

// MessageSender is the subset of *messaging.Client the gateway uses.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMGateway delivers records through Firebase Cloud Messaging.
type FCMGateway struct {
	sender MessageSender
	hints  DeliveryHints
}

func NewFCMGateway(sender MessageSender, hints DeliveryHints) (*FCMGateway, error) {
	if sender == nil {
		return nil, fmt.Errorf("fcm sender is required")
	}
	return &FCMGateway{sender: sender, hints: hints.withDefaults()}, nil
}

func (g *FCMGateway) Name() string { return fcmGatewayName }

func (g *FCMGateway) Send(ctx context.Context, msg Message) (string, error) {
	if g == nil || g.sender == nil {
		return "", fmt.Errorf("fcm gateway is not initialized")
	}

	messageID, err := g.sender.Send(ctx, buildFCMMessage(msg, g.hints))
	if err != nil {
		return "", classifyFCMError(err)
	}
	return messageID, nil
}

func buildFCMMessage(msg Message, hints DeliveryHints) *messaging.Message {
	badge := hints.Badge

	out := &messaging.Message{
		Token: msg.Target,
		Data:  msg.Payload.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: hints.AndroidChannelID,
				Sound:     hints.Sound,
				Priority:  messaging.PriorityHigh,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: hints.Sound,
					Badge: &badge,
				},
			},
		},
	}

	if msg.Payload.Title != "" || msg.Payload.Body != "" {
		out.Notification = &messaging.Notification{
			Title: msg.Payload.Title,
			Body:  msg.Payload.Body,
		}
	}

	return out
}

func classifyFCMError(err error) *GatewayError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Classify(err)
	}

	gatewayErr := &GatewayError{Message: err.Error(), Cause: err}
	switch {
	case messaging.IsUnregistered(err):
		gatewayErr.Code = CodeUnregistered
	case messaging.IsInvalidArgument(err):
		gatewayErr.Code = CodeInvalidArgument
	case messaging.IsSenderIDMismatch(err):
		gatewayErr.Code = CodeSenderMismatch
	case messaging.IsThirdPartyAuthError(err):
		gatewayErr.Code = CodeAuthError
	case messaging.IsQuotaExceeded(err):
		gatewayErr.Code = CodeQuotaExceeded
		gatewayErr.Transient = true
	case messaging.IsUnavailable(err):
		gatewayErr.Code = CodeUnavailable
		gatewayErr.Transient = true
	case messaging.IsInternal(err):
		gatewayErr.Code = CodeInternal
		gatewayErr.Transient = true
	default:
		gatewayErr.Code = CodeUnknown
		gatewayErr.Transient = IsTransient(err)
	}
	return gatewayErr
}
