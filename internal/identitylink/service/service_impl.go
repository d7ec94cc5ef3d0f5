package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/clock"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  linkdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  linkdomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) linkdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("identitylink.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) WithTx(tx *gorm.DB) linkdomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) Upsert(ctx context.Context, req linkdomain.UpsertRequest) (*linkdomain.Link, error) {
	externalUserID := strings.TrimSpace(req.ExternalUserID)
	if externalUserID == "" {
		return nil, linkdomain.ErrExternalUserRequired
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, linkdomain.ErrUserRequired
	}

	now := s.clock.Now()
	link := &linkdomain.Link{
		ID:                 s.genID.Generate(),
		AppID:              req.AppID,
		ExternalUserID:     externalUserID,
		UserID:             userID,
		LastClientPlatform: strings.TrimSpace(req.ClientPlatform),
		Profile:            normalizeProfile(req.Profile),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Upsert(ctx, s.db, link); err != nil {
		return nil, err
	}

	stored, err := s.repo.Find(ctx, s.db, req.AppID, externalUserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, linkdomain.ErrLinkNotFound
	}
	return stored, nil
}

func (s *Service) Find(ctx context.Context, appID snowflake.ID, externalUserID string) (*linkdomain.Link, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return nil, linkdomain.ErrExternalUserRequired
	}

	link, err := s.repo.Find(ctx, s.db, appID, externalUserID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, linkdomain.ErrLinkNotFound
	}
	return link, nil
}

// UpdatePlanTier caches the partner-reported tier on the link.
func (s *Service) UpdatePlanTier(ctx context.Context, appID snowflake.ID, externalUserID, planTier string) (*linkdomain.Link, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return nil, linkdomain.ErrExternalUserRequired
	}
	planTier = strings.TrimSpace(planTier)
	if planTier == "" {
		return nil, linkdomain.ErrPlanTierRequired
	}

	rows, err := s.repo.UpdatePlanTier(ctx, s.db, appID, externalUserID, planTier, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, linkdomain.ErrLinkNotFound
	}
	return s.Find(ctx, appID, externalUserID)
}

func normalizeProfile(input map[string]any) datatypes.JSONMap {
	if len(input) == 0 {
		return nil
	}
	out := datatypes.JSONMap{}
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" || value == nil {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
