package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/signer"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	intentTokenBytes = 32
	accessCodeBytes  = 32
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  codedomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  codedomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) codedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("accesscode.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) WithTx(tx *gorm.DB) codedomain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) StartIntent(ctx context.Context, appID snowflake.ID, req codedomain.StartIntentRequest) (*codedomain.IssuedIntent, error) {
	token, err := signer.NewToken(intentTokenBytes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	intent := &codedomain.Intent{
		ID:             s.genID.Generate(),
		AppID:          appID,
		TokenHash:      signer.HashSecret(token),
		ExternalUserID: strings.TrimSpace(req.ExternalUserID),
		Email:          strings.TrimSpace(req.Email),
		Phone:          strings.TrimSpace(req.Phone),
		ReturnTo:       strings.TrimSpace(req.ReturnTo),
		ExpiresAt:      now.Add(codedomain.IntentTTL),
		CreatedAt:      now,
	}
	if err := s.repo.InsertIntent(ctx, s.db, intent); err != nil {
		return nil, err
	}

	return &codedomain.IssuedIntent{Token: token, Intent: intent}, nil
}

// ConsumeIntent marks the intent used. When the guarded update matches
// nothing, the stored row decides between unknown, reused and expired.
func (s *Service) ConsumeIntent(ctx context.Context, appID snowflake.ID, token string) (*codedomain.Intent, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, codedomain.ErrIntentNotFound
	}
	hash := signer.HashSecret(token)
	now := s.clock.Now()

	rows, err := s.repo.ConsumeIntent(ctx, s.db, appID, hash, now)
	if err != nil {
		return nil, err
	}

	intent, err := s.repo.FindIntentByHash(ctx, s.db, hash)
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		if intent == nil {
			return nil, codedomain.ErrIntentNotFound
		}
		return intent, nil
	}

	switch {
	case intent == nil, intent.AppID != appID:
		return nil, codedomain.ErrIntentNotFound
	case intent.ConsumedAt != nil:
		return nil, codedomain.ErrIntentConsumed
	default:
		return nil, codedomain.ErrIntentExpired
	}
}

func (s *Service) Issue(ctx context.Context, appID snowflake.ID, userID string) (*codedomain.IssuedCode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, codedomain.ErrUserRequired
	}

	raw, err := signer.NewToken(accessCodeBytes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	code := &codedomain.Code{
		ID:        s.genID.Generate(),
		AppID:     appID,
		UserID:    userID,
		CodeHash:  signer.HashSecret(raw),
		Status:    codedomain.CodeStatusIssued,
		ExpiresAt: now.Add(codedomain.CodeTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertCode(ctx, s.db, code); err != nil {
		return nil, err
	}

	s.log.Info("access code issued",
		zap.String("integration_app_id", appID.String()),
		zap.String("user_id", userID),
		zap.Time("expires_at", code.ExpiresAt),
	)
	return &codedomain.IssuedCode{Code: raw, Record: code}, nil
}

// Lookup returns a redeemable code without consuming it.
func (s *Service) Lookup(ctx context.Context, code string, appID snowflake.ID) (*codedomain.Code, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, codedomain.ErrCodeRequired
	}

	record, err := s.repo.FindCodeByHash(ctx, s.db, signer.HashSecret(code), appID)
	if err != nil {
		return nil, err
	}
	if err := s.classify(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Redeem consumes the code through one guarded update, so concurrent callers
// see exactly one success.
func (s *Service) Redeem(ctx context.Context, code string, appID snowflake.ID) (*codedomain.Code, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, codedomain.ErrCodeRequired
	}
	hash := signer.HashSecret(code)
	now := s.clock.Now()

	rows, err := s.repo.RedeemCode(ctx, s.db, hash, appID, now)
	if err != nil {
		return nil, err
	}

	record, err := s.repo.FindCodeByHash(ctx, s.db, hash, appID)
	if err != nil {
		return nil, err
	}
	if rows == 1 && record != nil {
		return record, nil
	}
	if err := s.classify(ctx, record); err != nil {
		return nil, err
	}
	// Unreachable unless the row changed between the update and the read.
	return nil, codedomain.ErrCodeRedeemed
}

func (s *Service) ExpireIssuedForUser(ctx context.Context, appID snowflake.ID, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, codedomain.ErrUserRequired
	}

	count, err := s.repo.ExpireIssuedForUser(ctx, s.db, appID, userID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.log.Info("access codes expired for member",
			zap.String("integration_app_id", appID.String()),
			zap.String("user_id", userID),
			zap.Int64("count", count),
		)
	}
	return count, nil
}

func (s *Service) classify(ctx context.Context, record *codedomain.Code) error {
	if record == nil {
		return codedomain.ErrCodeNotFound
	}

	switch record.Status {
	case codedomain.CodeStatusRedeemed:
		return codedomain.ErrCodeRedeemed
	case codedomain.CodeStatusExpired:
		return codedomain.ErrCodeExpired
	}

	if !record.ExpiresAt.After(s.clock.Now()) {
		if err := s.repo.ExpireCode(ctx, s.db, record.ID, s.clock.Now()); err != nil {
			s.log.Warn("failed to mark access code expired", zap.String("code_id", record.ID.String()), zap.Error(err))
		}
		return codedomain.ErrCodeExpired
	}
	return nil
}
