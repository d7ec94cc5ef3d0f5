//go:generate mockgen -destination=../mock/mock_sender.go -package=mock github.com/smallbiznis/partnergate/internal/webhook/domain Sender

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"github.com/smallbiznis/partnergate/pkg/db/pagination"
	"gorm.io/gorm"
)

type Service interface {
	// Deliver records the event and makes the first attempt inline.
	Deliver(ctx context.Context, appID snowflake.ID, eventType string, data any) (*Delivery, error)
	// RetryDue claims up to limit due deliveries and attempts each once.
	RetryDue(ctx context.Context, limit int) (SweepResult, error)
	Redeliver(ctx context.Context, appID, deliveryID snowflake.ID) (*Delivery, error)
	List(ctx context.Context, appID snowflake.ID, page pagination.Pagination) ([]DeliveryResponse, *pagination.PageInfo, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, d *Delivery) error
	FindByID(ctx context.Context, db *gorm.DB, appID, id snowflake.ID) (*Delivery, error)
	List(ctx context.Context, db *gorm.DB, appID snowflake.ID, beforeID snowflake.ID, limit int) ([]*Delivery, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Delivery, error)
	// Claim moves the lease forward and increments the attempt, guarded by the
	// attempt count the caller observed.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, observedAttempt int, lease, now time.Time) (int64, error)
	// Finish records the outcome of attempt; it matches nothing once another
	// worker has claimed a later attempt or the row is already closed.
	Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, attempt int, outcome AttemptOutcome) (int64, error)
}

type AttemptOutcome struct {
	Status      Status
	StatusCode  int
	Error       string
	NextRetryAt *time.Time
	DeliveredAt *time.Time
	At          time.Time
}

type SweepResult struct {
	Due       int
	Claimed   int
	Delivered int
	Failed    int
	Exhausted int
	Lost      int
}

// Sender performs one HTTP POST. A nil error with a non-2xx status is a
// failed attempt.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type SendRequest struct {
	URL        string
	Body       []byte
	Signature  string
	EventType  string
	EventID    string
	DeliveryID string
	Attempt    int
}

type SendResult struct {
	StatusCode int
}

func (r SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

var (
	ErrWebhookNotConfigured = gatewayerr.Configuration("webhook_url_missing", "webhook url is not configured")
	ErrDeliveryNotFound     = gatewayerr.NotFound("delivery_not_found", "webhook delivery not found")
	ErrDeliveryInFlight     = gatewayerr.Conflict("delivery_in_flight", "webhook delivery is still being retried")
	ErrInvalidEventType     = gatewayerr.Validation("invalid_event_type", "event type is required")
)
