package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const linkColumns = `id, app_id, external_user_id, user_id, current_plan_tier, last_client_platform, profile, created_at, updated_at`

type repo struct{}

func Provide() linkdomain.Repository {
	return &repo{}
}

// Upsert inserts the link or refreshes the existing one in place. Empty
// platform and profile values leave the stored ones untouched.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, link *linkdomain.Link) error {
	updates := []string{"user_id", "updated_at"}
	if link.LastClientPlatform != "" {
		updates = append(updates, "last_client_platform")
	}
	if len(link.Profile) > 0 {
		updates = append(updates, "profile")
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "app_id"}, {Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(link).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, appID snowflake.ID, externalUserID string) (*linkdomain.Link, error) {
	var link linkdomain.Link
	err := db.WithContext(ctx).Raw(
		`SELECT `+linkColumns+` FROM integration_identity_links
		 WHERE app_id = ? AND external_user_id = ? LIMIT 1`,
		appID,
		externalUserID,
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}

func (r *repo) UpdatePlanTier(ctx context.Context, db *gorm.DB, appID snowflake.ID, externalUserID, planTier string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_identity_links SET current_plan_tier = ?, updated_at = ?
		 WHERE app_id = ? AND external_user_id = ?`,
		planTier,
		now,
		appID,
		externalUserID,
	)
	return res.RowsAffected, res.Error
}
