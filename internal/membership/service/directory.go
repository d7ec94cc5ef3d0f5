package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/partnergate/internal/clock"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Directory struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func New(p Params) memberdomain.Directory {
	return &Directory{
		db:    p.DB,
		log:   p.Log.Named("membership.directory"),
		clock: p.Clock,
	}
}

func (d *Directory) Status(ctx context.Context, communityID, userID string) (memberdomain.Status, error) {
	row, err := d.find(ctx, communityID, userID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return memberdomain.StatusNone, nil
	}
	return row.Status, nil
}

func (d *Directory) IsFounder(ctx context.Context, communityID, userID string) (bool, error) {
	row, err := d.find(ctx, communityID, userID)
	if err != nil {
		return false, err
	}
	return row != nil && row.Role == memberdomain.RoleFounder, nil
}

// SetStatus records a decision made by the waitlist workflow. The role of an
// existing member is preserved.
func (d *Directory) SetStatus(ctx context.Context, communityID, userID string, status memberdomain.Status) error {
	communityID = strings.TrimSpace(communityID)
	userID = strings.TrimSpace(userID)
	if communityID == "" || userID == "" {
		return memberdomain.ErrInvalidMember
	}
	if !status.Valid() {
		return memberdomain.ErrInvalidStatus
	}

	row := memberdomain.Membership{
		CommunityID: communityID,
		UserID:      userID,
		Role:        memberdomain.RoleMember,
		Status:      status,
		UpdatedAt:   d.clock.Now(),
	}
	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "community_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return err
	}

	d.log.Info("membership status updated",
		zap.String("community_id", communityID),
		zap.String("user_id", userID),
		zap.String("status", string(status)),
	)
	return nil
}

func (d *Directory) find(ctx context.Context, communityID, userID string) (*memberdomain.Membership, error) {
	var row memberdomain.Membership
	err := d.db.WithContext(ctx).Raw(
		`SELECT community_id, user_id, role, status, updated_at FROM community_memberships
		 WHERE community_id = ? AND user_id = ? LIMIT 1`,
		strings.TrimSpace(communityID),
		strings.TrimSpace(userID),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.UserID == "" {
		return nil, nil
	}
	return &row, nil
}
