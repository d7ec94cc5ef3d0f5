// Package domain describes the slice of the external waitlist workflow the
// gateway reads: a member's status within a community and whether they own it.
package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/partnergate/internal/gatewayerr"
)

type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusBanned   Status = "banned"
)

const (
	RoleMember  = "member"
	RoleFounder = "founder"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusBanned:
		return true
	}
	return false
}

type Membership struct {
	CommunityID string    `gorm:"column:community_id;type:text;primaryKey"`
	UserID      string    `gorm:"column:user_id;type:text;primaryKey"`
	Role        string    `gorm:"column:role;type:text;not null;default:'member'"`
	Status      Status    `gorm:"column:status;type:text;not null;default:'pending'"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Membership) TableName() string { return "community_memberships" }

// Directory is the gateway's read and write surface onto memberships.
type Directory interface {
	Status(ctx context.Context, communityID, userID string) (Status, error)
	IsFounder(ctx context.Context, communityID, userID string) (bool, error)
	SetStatus(ctx context.Context, communityID, userID string, status Status) error
}

var (
	ErrNotApproved   = gatewayerr.Forbidden("membership_not_approved", "membership is not approved")
	ErrInvalidStatus = gatewayerr.Validation("invalid_membership_status", "membership status is invalid")
	ErrInvalidMember = gatewayerr.Validation("invalid_member", "community id and user id are required")
)
