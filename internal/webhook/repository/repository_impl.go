package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"gorm.io/gorm"
)

const deliveryColumns = `id, app_id, event_id, event_type, payload, signature, status, attempt_count, next_retry_at,
	last_status_code, last_error, delivered_at, redelivery_of, created_at, updated_at`

type repo struct{}

func Provide() hookdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, d *hookdomain.Delivery) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_webhook_deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.AppID,
		d.EventID,
		d.EventType,
		d.Payload,
		d.Signature,
		d.Status,
		d.AttemptCount,
		d.NextRetryAt,
		d.LastStatusCode,
		d.LastError,
		d.DeliveredAt,
		d.RedeliveryOf,
		d.CreatedAt,
		d.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, appID, id snowflake.ID) (*hookdomain.Delivery, error) {
	var d hookdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM integration_webhook_deliveries WHERE app_id = ? AND id = ? LIMIT 1`,
		appID,
		id,
	).Scan(&d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, nil
	}
	return &d, nil
}

// List returns newest first. beforeID 0 starts from the newest row.
func (r *repo) List(ctx context.Context, db *gorm.DB, appID snowflake.ID, beforeID snowflake.ID, limit int) ([]*hookdomain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM integration_webhook_deliveries WHERE app_id = ?`
	args := []any{appID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []*hookdomain.Delivery
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]hookdomain.Delivery, error) {
	var items []hookdomain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT `+deliveryColumns+` FROM integration_webhook_deliveries
		 WHERE next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, observedAttempt int, lease, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_webhook_deliveries
		 SET attempt_count = attempt_count + 1, status = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND attempt_count = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
		hookdomain.StatusPending,
		lease,
		now,
		id,
		observedAttempt,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, attempt int, outcome hookdomain.AttemptOutcome) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_webhook_deliveries
		 SET status = ?, last_status_code = ?, last_error = ?, next_retry_at = ?, delivered_at = ?, updated_at = ?
		 WHERE id = ? AND attempt_count = ? AND next_retry_at IS NOT NULL`,
		outcome.Status,
		outcome.StatusCode,
		outcome.Error,
		outcome.NextRetryAt,
		outcome.DeliveredAt,
		outcome.At,
		id,
		attempt,
	)
	return res.RowsAffected, res.Error
}
