package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	"gorm.io/gorm"
)

type Status string

const (
	StatusLive    Status = "live"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Liveness is fixed at three missed heartbeats and is not tunable per app.
const (
	HeartbeatInterval = 15 * time.Second
	LivenessWindow    = 3 * HeartbeatInterval
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusLive, StatusIdle, StatusOffline:
		return Status(raw), true
	}
	return "", false
}

// Record is the current liveness of one member. It is overwritten in place.
type Record struct {
	ID             int64     `gorm:"primaryKey;autoIncrement:false"`
	CommunityID    string    `gorm:"column:community_id;type:text;not null;uniqueIndex:ux_live_presence_records_member,priority:1"`
	UserID         string    `gorm:"column:user_id;type:text;not null;uniqueIndex:ux_live_presence_records_member,priority:2"`
	Status         Status    `gorm:"column:status;type:text;not null"`
	ClientPlatform string    `gorm:"column:client_platform;type:text;not null;default:''"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at;not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Record) TableName() string { return "live_presence_records" }

// IsLive reports whether the record counts as live at now.
func (r Record) IsLive(now time.Time, window time.Duration) bool {
	return r.Status == StatusLive && now.Sub(r.LastSeenAt) <= window
}

type Service interface {
	WithTx(tx *gorm.DB) Service
	Heartbeat(ctx context.Context, req HeartbeatRequest) (*Record, error)
	Disconnect(ctx context.Context, communityID, userID string) error
	ListLive(ctx context.Context, communityID string, window time.Duration) ([]Record, error)
	Subscribe(communityID string) (*hub.Subscription, []hub.Event, error)
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *Record) error
	ListLiveSince(ctx context.Context, db *gorm.DB, communityID string, cutoff time.Time) ([]Record, error)
}

type HeartbeatRequest struct {
	CommunityID    string
	UserID         string
	Status         string
	ClientPlatform string
}

type RecordResponse struct {
	UserID         string `json:"userId"`
	Status         string `json:"status"`
	ClientPlatform string `json:"clientPlatform,omitempty"`
	LastSeenAt     string `json:"lastSeenAt"`
}

func ToResponse(r Record) RecordResponse {
	return RecordResponse{
		UserID:         r.UserID,
		Status:         string(r.Status),
		ClientPlatform: r.ClientPlatform,
		LastSeenAt:     r.LastSeenAt.UTC().Format(time.RFC3339),
	}
}

var (
	ErrInvalidMember = gatewayerr.Validation("invalid_presence_member", "community id and user id are required")
	ErrInvalidStatus = gatewayerr.Validation("invalid_presence_status", "status must be one of live, idle, offline")
)
