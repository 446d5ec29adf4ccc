package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	webhookGatewayName    = "webhook"
	defaultWebhookTimeout = 10 * time.Second
)

type webhookRequest struct {
	RecordID     string              `json:"recordId"`
	Token        string              `json:"token"`
	Notification webhookNotification `json:"notification"`
	Data         map[string]string   `json:"data,omitempty"`
}

type webhookNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type webhookResponse struct {
	MessageID string `json:"messageId"`
}

// WebhookGateway posts records to an HTTP push endpoint. Used for staging
// and for push services fronted by a plain webhook.
type WebhookGateway struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookGateway(endpoint string) (*WebhookGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookGatewayWithClient(endpoint, client)
}

func NewWebhookGatewayWithClient(endpoint string, client *resty.Client) (*WebhookGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookGateway{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (g *WebhookGateway) Name() string { return webhookGatewayName }

func (g *WebhookGateway) Send(ctx context.Context, msg Message) (string, error) {
	if g == nil || g.client == nil {
		return "", fmt.Errorf("webhook gateway is not initialized")
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", msg.RecordID).
		SetBody(webhookRequest{
			RecordID: msg.RecordID,
			Token:    msg.Target,
			Notification: webhookNotification{
				Title: msg.Payload.Title,
				Body:  msg.Payload.Body,
			},
			Data: msg.Payload.Data,
		}).
		Post(g.endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", Classify(err)
		}
		code := CodeUnavailable
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = CodeTimeout
		}
		return "", &GatewayError{
			Code:      code,
			Message:   "webhook request failed",
			Transient: true,
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return webhookMessageID(response), nil
	}

	code, transient := classifyWebhookStatus(statusCode)
	return "", &GatewayError{
		Code:       code,
		StatusCode: statusCode,
		Message:    webhookErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  transient,
	}
}

func classifyWebhookStatus(statusCode int) (code string, transient bool) {
	switch {
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return CodeUnregistered, false
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return CodeInvalidArgument, false
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return CodeAuthError, false
	case statusCode == http.StatusTooManyRequests:
		return CodeQuotaExceeded, true
	case statusCode == http.StatusGatewayTimeout:
		return CodeTimeout, true
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return CodeUnavailable, true
	default:
		return CodeRejected, false
	}
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func webhookMessageID(response *resty.Response) string {
	var result webhookResponse
	if err := json.Unmarshal(response.Body(), &result); err == nil {
		if id := strings.TrimSpace(result.MessageID); id != "" {
			return id
		}
	}
	for _, key := range []string{"X-Message-ID", "X-Request-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}
