package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/clock"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  presencedomain.Repository
	Clock clock.Clock
	Hub   *hub.Hub
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  presencedomain.Repository
	genID *snowflake.Node
	clock clock.Clock
	hub   *hub.Hub
}

func New(p Params) presencedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("presence.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
		hub:   p.Hub,
	}
}

// WithTx binds writes to tx. Hub publication still happens immediately, so
// callers publish only after their transaction commits or accept a rare
// phantom event on rollback.
func (s *Service) WithTx(tx *gorm.DB) presencedomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) Heartbeat(ctx context.Context, req presencedomain.HeartbeatRequest) (*presencedomain.Record, error) {
	communityID := strings.TrimSpace(req.CommunityID)
	userID := strings.TrimSpace(req.UserID)
	if communityID == "" || userID == "" {
		return nil, presencedomain.ErrInvalidMember
	}
	status, ok := presencedomain.ParseStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !ok {
		return nil, presencedomain.ErrInvalidStatus
	}

	now := s.clock.Now()
	record := &presencedomain.Record{
		ID:             s.genID.Generate().Int64(),
		CommunityID:    communityID,
		UserID:         userID,
		Status:         status,
		ClientPlatform: strings.TrimSpace(req.ClientPlatform),
		LastSeenAt:     now,
		UpdatedAt:      now,
	}
	if err := s.repo.Upsert(ctx, s.db, record); err != nil {
		return nil, err
	}

	s.hub.Publish(communityID, hub.Event{
		CommunityID:    communityID,
		UserID:         userID,
		Status:         string(status),
		ClientPlatform: record.ClientPlatform,
		LastSeenAt:     now.Format(time.RFC3339Nano),
	})
	return record, nil
}

// Disconnect records an explicit offline heartbeat.
func (s *Service) Disconnect(ctx context.Context, communityID, userID string) error {
	_, err := s.Heartbeat(ctx, presencedomain.HeartbeatRequest{
		CommunityID: communityID,
		UserID:      userID,
		Status:      string(presencedomain.StatusOffline),
	})
	return err
}

// ListLive filters at read time; nothing sweeps stale records.
func (s *Service) ListLive(ctx context.Context, communityID string, window time.Duration) ([]presencedomain.Record, error) {
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return nil, presencedomain.ErrInvalidMember
	}
	if window <= 0 {
		window = presencedomain.LivenessWindow
	}

	return s.repo.ListLiveSince(ctx, s.db, communityID, s.clock.Now().Add(-window))
}

func (s *Service) Subscribe(communityID string) (*hub.Subscription, []hub.Event, error) {
	return s.hub.Subscribe(communityID)
}
