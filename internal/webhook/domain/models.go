package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

const (
	EventMembershipApproved = "membership.approved"
	EventMembershipRejected = "membership.rejected"
	EventAccessCodeIssued   = "access_code.issued"
	EventPlanMismatch       = "plan.mismatch"
)

const (
	// HeaderSignature is kept for receivers built against the first release.
	HeaderSignature       = "X-Webhook-Signature"
	HeaderSignatureSHA256 = "X-Webhook-Signature-Sha256"
	HeaderEventType       = "X-Webhook-Event"
	HeaderEventID         = "X-Webhook-Id"
	HeaderAttempt         = "X-Webhook-Attempt"
)

// Delivery is one outbound event. Payload and Signature are written once and
// re-sent byte for byte on every attempt. NextRetryAt is nil exactly when the
// delivery succeeded or exhausted its attempts.
type Delivery struct {
	ID             snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	AppID          snowflake.ID  `gorm:"column:app_id;not null;index:ix_integration_webhook_deliveries_app"`
	EventID        string        `gorm:"column:event_id;type:text;not null"`
	EventType      string        `gorm:"column:event_type;type:text;not null"`
	Payload        []byte        `gorm:"column:payload;not null"`
	Signature      string        `gorm:"column:signature;type:text;not null"`
	Status         Status        `gorm:"column:status;type:text;not null;default:'pending'"`
	AttemptCount   int           `gorm:"column:attempt_count;not null;default:0"`
	NextRetryAt    *time.Time    `gorm:"column:next_retry_at;index:ix_integration_webhook_deliveries_due"`
	LastStatusCode int           `gorm:"column:last_status_code;not null;default:0"`
	LastError      string        `gorm:"column:last_error;type:text;not null;default:''"`
	DeliveredAt    *time.Time    `gorm:"column:delivered_at"`
	RedeliveryOf   *snowflake.ID `gorm:"column:redelivery_of"`
	CreatedAt      time.Time     `gorm:"not null"`
	UpdatedAt      time.Time     `gorm:"not null"`
}

func (Delivery) TableName() string { return "integration_webhook_deliveries" }

// Terminal reports whether no further automatic attempt will be made.
func (d *Delivery) Terminal() bool {
	return d.NextRetryAt == nil && d.Status != StatusPending
}

// Envelope is the canonical body posted to partners.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type DeliveryResponse struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	RedeliveryOf   string     `json:"redelivery_of,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func ToResponse(d *Delivery) DeliveryResponse {
	resp := DeliveryResponse{
		ID:             d.ID.String(),
		EventID:        d.EventID,
		EventType:      d.EventType,
		Status:         string(d.Status),
		AttemptCount:   d.AttemptCount,
		NextRetryAt:    d.NextRetryAt,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
	}
	if d.RedeliveryOf != nil {
		resp.RedeliveryOf = d.RedeliveryOf.String()
	}
	return resp
}
