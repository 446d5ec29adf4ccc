package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/push-relay/internal/domain"
	"github.com/kursadbilgin/push-relay/internal/observability"
	"github.com/kursadbilgin/push-relay/internal/service"
)

type NotificationService interface {
	Create(ctx context.Context, input domain.Record) (*domain.Record, error)
	Get(ctx context.Context, id string) (*domain.Record, error)
}

type SweepRunner interface {
	RunNow(ctx context.Context) (service.SweepResult, error)
}

type NotificationHandler struct {
	service NotificationService
	sweeps  SweepRunner
}

func NewNotificationHandler(service NotificationService, sweeps SweepRunner) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service, sweeps: sweeps}, nil
}

// RegisterNotificationRoutes mounts the intake routes. The sweep route is
// only mounted when sweeps is non-nil.
func RegisterNotificationRoutes(router fiber.Router, service NotificationService, sweeps SweepRunner) error {
	h, err := NewNotificationHandler(service, sweeps)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	if sweeps != nil {
		v1.Post("/sweeps", h.RunSweep)
	}

	return nil
}

// createNotificationRequest mirrors the document shape producers already
// write: a token plus a notification block and optional data.
type createNotificationRequest struct {
	Token        string                  `json:"token"`
	Notification notificationContentBody `json:"notification"`
	Data         map[string]string       `json:"data,omitempty"`
}

type notificationContentBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type notificationResponse struct {
	ID              string                  `json:"id"`
	Token           string                  `json:"token"`
	Notification    notificationContentBody `json:"notification"`
	Data            map[string]string       `json:"data,omitempty"`
	State           string                  `json:"state"`
	CreatedAt       time.Time               `json:"createdAt"`
	SentAt          *time.Time              `json:"sentAt,omitempty"`
	FailedAt        *time.Time              `json:"failedAt,omitempty"`
	DeliveryReceipt string                  `json:"deliveryReceipt,omitempty"`
	LastError       string                  `json:"lastError,omitempty"`
	LastErrorDetail string                  `json:"lastErrorDetail,omitempty"`
}

type sweepResponse struct {
	service.SweepResult
	Warning string `json:"warning,omitempty"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	ctx := c.UserContext()
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}

	created, err := h.service.Create(ctx, domain.Record{
		Target: strings.TrimSpace(req.Token),
		Payload: domain.Payload{
			Title: req.Notification.Title,
			Body:  req.Notification.Body,
			Data:  req.Data,
		},
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(record))
}

// RunSweep runs one retention sweep synchronously. A partial failure still
// answers 200: the deleted records are gone and the rest wait for the next run.
func (h *NotificationHandler) RunSweep(c *fiber.Ctx) error {
	result, err := h.sweeps.RunNow(c.UserContext())
	if err != nil {
		if service.IsSweepPartialFailure(err) {
			return c.Status(fiber.StatusOK).JSON(sweepResponse{
				SweepResult: result,
				Warning:     err.Error(),
			})
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(sweepResponse{SweepResult: result})
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponse(r *domain.Record) notificationResponse {
	if r == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:    r.ID,
		Token: r.Target,
		Notification: notificationContentBody{
			Title: r.Payload.Title,
			Body:  r.Payload.Body,
		},
		Data:            r.Payload.Data,
		State:           r.State.String(),
		CreatedAt:       r.CreatedAt,
		SentAt:          r.SentAt,
		FailedAt:        r.FailedAt,
		DeliveryReceipt: r.DeliveryReceipt,
		LastError:       r.LastError,
		LastErrorDetail: r.LastErrorDetail,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSweepInProgress):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
