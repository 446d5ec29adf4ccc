package repository

import (
	"time"

	"github.com/kursadbilgin/push-relay/internal/domain"
)

// NotificationRecordModel is the persistence model for the notification_records table.
type NotificationRecordModel struct {
	ID              string            `gorm:"type:uuid;primaryKey"`
	Target          string            `gorm:"type:text;not null"`
	Title           string            `gorm:"type:text;not null;default:''"`
	Body            string            `gorm:"type:text;not null;default:''"`
	Data            map[string]string `gorm:"type:jsonb;serializer:json"`
	State           domain.State      `gorm:"type:varchar(10);not null"`
	SentAt          *time.Time        `gorm:"type:timestamptz"`
	FailedAt        *time.Time        `gorm:"type:timestamptz"`
	DeliveryReceipt *string           `gorm:"type:varchar(255)"`
	LastError       *string           `gorm:"type:varchar(64)"`
	LastErrorDetail *string           `gorm:"type:text"`
	CreatedAt       time.Time         `gorm:"type:timestamptz;not null"`
}

func (NotificationRecordModel) TableName() string {
	return "notification_records"
}

func recordModelFromDomain(r *domain.Record) *NotificationRecordModel {
	if r == nil {
		return nil
	}

	return &NotificationRecordModel{
		ID:              r.ID,
		Target:          r.Target,
		Title:           r.Payload.Title,
		Body:            r.Payload.Body,
		Data:            copyData(r.Payload.Data),
		State:           r.State,
		SentAt:          r.SentAt,
		FailedAt:        r.FailedAt,
		DeliveryReceipt: optionalString(r.DeliveryReceipt),
		LastError:       optionalString(r.LastError),
		LastErrorDetail: optionalString(r.LastErrorDetail),
		CreatedAt:       r.CreatedAt,
	}
}

func recordModelToDomain(m *NotificationRecordModel) *domain.Record {
	if m == nil {
		return nil
	}

	return &domain.Record{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		Target:    m.Target,
		Payload: domain.Payload{
			Title: m.Title,
			Body:  m.Body,
			Data:  copyData(m.Data),
		},
		State:           m.State,
		SentAt:          m.SentAt,
		FailedAt:        m.FailedAt,
		DeliveryReceipt: derefString(m.DeliveryReceipt),
		LastError:       derefString(m.LastError),
		LastErrorDetail: derefString(m.LastErrorDetail),
	}
}

// patchColumns maps a terminal patch to the columns it sets.
func patchColumns(p domain.Patch) map[string]any {
	columns := map[string]any{
		"state": p.State,
	}

	switch p.State {
	case domain.StateSent:
		columns["sent_at"] = p.SentAt
		columns["delivery_receipt"] = optionalString(p.DeliveryReceipt)
	case domain.StateFailed:
		columns["failed_at"] = p.FailedAt
		columns["last_error"] = optionalString(p.LastError)
		columns["last_error_detail"] = optionalString(p.LastErrorDetail)
	}

	return columns
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func copyData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func recordsFromModels(models []NotificationRecordModel) []domain.Record {
	records := make([]domain.Record, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}
	return records
}
