package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"gorm.io/gorm"
)

type Service interface {
	// WithTx binds the service to an open transaction.
	WithTx(tx *gorm.DB) Service

	StartIntent(ctx context.Context, appID snowflake.ID, req StartIntentRequest) (*IssuedIntent, error)
	ConsumeIntent(ctx context.Context, appID snowflake.ID, token string) (*Intent, error)

	Issue(ctx context.Context, appID snowflake.ID, userID string) (*IssuedCode, error)
	Lookup(ctx context.Context, code string, appID snowflake.ID) (*Code, error)
	Redeem(ctx context.Context, code string, appID snowflake.ID) (*Code, error)
	ExpireIssuedForUser(ctx context.Context, appID snowflake.ID, userID string) (int64, error)
}

type Repository interface {
	InsertIntent(ctx context.Context, db *gorm.DB, intent *Intent) error
	ConsumeIntent(ctx context.Context, db *gorm.DB, appID snowflake.ID, tokenHash string, now time.Time) (int64, error)
	FindIntentByHash(ctx context.Context, db *gorm.DB, tokenHash string) (*Intent, error)

	InsertCode(ctx context.Context, db *gorm.DB, code *Code) error
	RedeemCode(ctx context.Context, db *gorm.DB, codeHash string, appID snowflake.ID, now time.Time) (int64, error)
	FindCodeByHash(ctx context.Context, db *gorm.DB, codeHash string, appID snowflake.ID) (*Code, error)
	ExpireCode(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	ExpireIssuedForUser(ctx context.Context, db *gorm.DB, appID snowflake.ID, userID string, now time.Time) (int64, error)
}

type StartIntentRequest struct {
	ExternalUserID string
	Email          string
	Phone          string
	ReturnTo       string
}

// IssuedIntent carries the plaintext token, which is never stored.
type IssuedIntent struct {
	Token  string
	Intent *Intent
}

// IssuedCode carries the plaintext code, which is never stored.
type IssuedCode struct {
	Code   string
	Record *Code
}

var (
	ErrIntentNotFound = gatewayerr.NotFound("intent_not_found", "waitlist intent not found")
	ErrIntentConsumed = gatewayerr.Conflict("intent_consumed", "waitlist intent has already been used")
	ErrIntentExpired  = gatewayerr.Gone("intent_expired", "waitlist intent has expired")

	ErrCodeRequired = gatewayerr.Validation("code_required", "code is required")
	ErrCodeNotFound = gatewayerr.NotFound("access_code_not_found", "access code not found")
	ErrCodeRedeemed = gatewayerr.Conflict("access_code_redeemed", "access code has already been redeemed")
	ErrCodeExpired  = gatewayerr.Gone("access_code_expired", "access code has expired")

	ErrUserRequired = gatewayerr.Validation("user_required", "user id is required")
)
