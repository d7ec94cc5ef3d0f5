package repository

import (
	"context"
	"time"

	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() presencedomain.Repository {
	return &repo{}
}

// Upsert overwrites the member's record unconditionally; the last write wins.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *presencedomain.Record) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "community_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "client_platform", "last_seen_at", "updated_at"}),
		}).
		Create(record).Error
}

func (r *repo) ListLiveSince(ctx context.Context, db *gorm.DB, communityID string, cutoff time.Time) ([]presencedomain.Record, error) {
	var records []presencedomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, community_id, user_id, status, client_platform, last_seen_at, updated_at
		 FROM live_presence_records
		 WHERE community_id = ? AND status = ? AND last_seen_at >= ?
		 ORDER BY last_seen_at DESC`,
		communityID,
		presencedomain.StatusLive,
		cutoff,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
