package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Link binds a partner's external user id to a community member. There is at
// most one link per (app, external user).
type Link struct {
	ID                 snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	AppID              snowflake.ID      `gorm:"column:app_id;not null;uniqueIndex:ux_integration_identity_links_external,priority:1"`
	ExternalUserID     string            `gorm:"column:external_user_id;type:text;not null;uniqueIndex:ux_integration_identity_links_external,priority:2"`
	UserID             string            `gorm:"column:user_id;type:text;not null;index"`
	CurrentPlanTier    string            `gorm:"column:current_plan_tier;type:text;not null;default:''"`
	LastClientPlatform string            `gorm:"column:last_client_platform;type:text;not null;default:''"`
	Profile            datatypes.JSONMap `gorm:"column:profile"`
	CreatedAt          time.Time         `gorm:"not null"`
	UpdatedAt          time.Time         `gorm:"not null"`
}

func (Link) TableName() string { return "integration_identity_links" }
