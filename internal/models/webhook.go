package models

import (
	"time"

	"gorm.io/datatypes"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// MaxRetries bounds WebhookDelivery.RetryCount (§4.6, §8 "webhook retry bound").
const MaxRetries = 5

// RetryDelays is the default backoff schedule, seconds from the previous
// failed attempt: 60s, 300s, 900s, 3600s, 7200s.
var RetryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

// Webhook is an external subscriber endpoint registered by a user.
type Webhook struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerUserID int64          `gorm:"not null;index" json:"owner_user_id"`
	URL         string         `gorm:"size:1000;not null" json:"url"`
	Secret      string         `gorm:"size:64;not null" json:"-"`
	Events      datatypes.JSON `gorm:"type:jsonb;not null" json:"events"`
	IsActive    bool           `gorm:"not null;default:true" json:"is_active"`
	Description string         `gorm:"size:500" json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Webhook) TableName() string { return "webhooks" }

// WebhookDelivery is one attempt to deliver a domain event to a Webhook.
type WebhookDelivery struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WebhookID    int64          `gorm:"not null;index" json:"webhook_id"`
	EventType    string         `gorm:"size:100;not null;index" json:"event_type"`
	Payload      datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status       DeliveryStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	StatusCode   int            `json:"status_code"`
	ResponseBody string         `gorm:"size:1000" json:"response_body"`
	ErrorMessage string         `gorm:"size:500" json:"error_message"`
	RetryCount   int            `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt  *time.Time     `gorm:"index" json:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"`
	DeliveredAt  *time.Time     `json:"delivered_at"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

// ShouldRetry reports whether this delivery is eligible for another attempt,
// mirroring the pending-retry sweep's predicate in §4.6.
func (d *WebhookDelivery) ShouldRetry(now time.Time) bool {
	if d.Status != DeliveryPending && d.Status != DeliveryFailed {
		return false
	}
	if d.RetryCount >= MaxRetries {
		return false
	}
	if d.NextRetryAt != nil && now.Before(*d.NextRetryAt) {
		return false
	}
	return true
}

// NextDelay returns the backoff delay to apply after the (1-based) attempt
// number retryCount has just failed.
func NextDelay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryDelays) {
		idx = len(RetryDelays) - 1
	}
	return RetryDelays[idx]
}
