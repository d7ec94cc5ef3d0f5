package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"gorm.io/gorm"
)

type Service interface {
	WithTx(tx *gorm.DB) Service
	Upsert(ctx context.Context, req UpsertRequest) (*Link, error)
	Find(ctx context.Context, appID snowflake.ID, externalUserID string) (*Link, error)
	UpdatePlanTier(ctx context.Context, appID snowflake.ID, externalUserID, planTier string) (*Link, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, link *Link) error
	Find(ctx context.Context, db *gorm.DB, appID snowflake.ID, externalUserID string) (*Link, error)
	UpdatePlanTier(ctx context.Context, db *gorm.DB, appID snowflake.ID, externalUserID, planTier string, now time.Time) (int64, error)
}

type UpsertRequest struct {
	AppID          snowflake.ID
	ExternalUserID string
	UserID         string
	ClientPlatform string
	Profile        map[string]any
}

type LinkResponse struct {
	ExternalUserID     string `json:"externalUserId"`
	UserID             string `json:"userId"`
	CurrentPlanTier    string `json:"currentPlanTier,omitempty"`
	LastClientPlatform string `json:"lastClientPlatform,omitempty"`
}

func ToResponse(link *Link) LinkResponse {
	return LinkResponse{
		ExternalUserID:     link.ExternalUserID,
		UserID:             link.UserID,
		CurrentPlanTier:    link.CurrentPlanTier,
		LastClientPlatform: link.LastClientPlatform,
	}
}

var (
	ErrExternalUserRequired = gatewayerr.Validation("external_user_required", "externalUserId is required")
	ErrUserRequired         = gatewayerr.Validation("user_required", "user id is required")
	ErrPlanTierRequired     = gatewayerr.Validation("plan_tier_required", "planTier is required")
	ErrLinkNotFound         = gatewayerr.NotFound("identity_link_not_found", "no community member is linked to this external user")
)
