package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	"gorm.io/gorm"
)

const intentColumns = `id, app_id, token_hash, external_user_id, email, phone, return_to, expires_at, consumed_at, created_at`

const codeColumns = `id, app_id, user_id, code_hash, status, expires_at, redeemed_at, created_at, updated_at`

type repo struct{}

func Provide() codedomain.Repository {
	return &repo{}
}

func (r *repo) InsertIntent(ctx context.Context, db *gorm.DB, intent *codedomain.Intent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_waitlist_intents (`+intentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID,
		intent.AppID,
		intent.TokenHash,
		intent.ExternalUserID,
		intent.Email,
		intent.Phone,
		intent.ReturnTo,
		intent.ExpiresAt,
		intent.ConsumedAt,
		intent.CreatedAt,
	).Error
}

// ConsumeIntent is the single guarded update that makes intents single use.
func (r *repo) ConsumeIntent(ctx context.Context, db *gorm.DB, appID snowflake.ID, tokenHash string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_waitlist_intents SET consumed_at = ?
		 WHERE token_hash = ? AND app_id = ? AND consumed_at IS NULL AND expires_at > ?`,
		now,
		tokenHash,
		appID,
		now,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindIntentByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*codedomain.Intent, error) {
	var intent codedomain.Intent
	err := db.WithContext(ctx).Raw(
		`SELECT `+intentColumns+` FROM integration_waitlist_intents WHERE token_hash = ? LIMIT 1`,
		tokenHash,
	).Scan(&intent).Error
	if err != nil {
		return nil, err
	}
	if intent.ID == 0 {
		return nil, nil
	}
	return &intent, nil
}

func (r *repo) InsertCode(ctx context.Context, db *gorm.DB, code *codedomain.Code) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_access_codes (`+codeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID,
		code.AppID,
		code.UserID,
		code.CodeHash,
		code.Status,
		code.ExpiresAt,
		code.RedeemedAt,
		code.CreatedAt,
		code.UpdatedAt,
	).Error
}

// RedeemCode flips issued to redeemed in one statement. appID 0 matches any app.
func (r *repo) RedeemCode(ctx context.Context, db *gorm.DB, codeHash string, appID snowflake.ID, now time.Time) (int64, error) {
	query := `UPDATE integration_access_codes SET status = ?, redeemed_at = ?, updated_at = ?
		 WHERE code_hash = ? AND status = ? AND expires_at > ?`
	args := []any{codedomain.CodeStatusRedeemed, now, now, codeHash, codedomain.CodeStatusIssued, now}
	if appID != 0 {
		query += ` AND app_id = ?`
		args = append(args, appID)
	}

	res := db.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func (r *repo) FindCodeByHash(ctx context.Context, db *gorm.DB, codeHash string, appID snowflake.ID) (*codedomain.Code, error) {
	query := `SELECT ` + codeColumns + ` FROM integration_access_codes WHERE code_hash = ?`
	args := []any{codeHash}
	if appID != 0 {
		query += ` AND app_id = ?`
		args = append(args, appID)
	}

	var code codedomain.Code
	if err := db.WithContext(ctx).Raw(query+` LIMIT 1`, args...).Scan(&code).Error; err != nil {
		return nil, err
	}
	if code.ID == 0 {
		return nil, nil
	}
	return &code, nil
}

func (r *repo) ExpireCode(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integration_access_codes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		codedomain.CodeStatusExpired,
		now,
		id,
		codedomain.CodeStatusIssued,
	).Error
}

func (r *repo) ExpireIssuedForUser(ctx context.Context, db *gorm.DB, appID snowflake.ID, userID string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_access_codes SET status = ?, updated_at = ?
		 WHERE app_id = ? AND user_id = ? AND status = ?`,
		codedomain.CodeStatusExpired,
		now,
		appID,
		userID,
		codedomain.CodeStatusIssued,
	)
	return res.RowsAffected, res.Error
}
