package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	"github.com/smallbiznis/partnergate/internal/secretbox"
	"github.com/smallbiznis/partnergate/internal/signer"
	"github.com/smallbiznis/partnergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	keySecretBytes      = 32
	webhookSecretBytes  = 32
	webhookSecretPrefix = "whsec_"
	keyTouchInterval    = time.Minute
	publicIDAttempts    = 5
	publicIDSlugMax     = 32
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  appdomain.Repository
	Clock clock.Clock
	Cfg   config.Config
	Box   *secretbox.Box
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  appdomain.Repository
	genID *snowflake.Node
	clock clock.Clock
	box   *secretbox.Box

	defaultWebhookSecret string
	production           bool
}

func New(p Params) appdomain.Service {
	return &Service{
		db:                   p.DB,
		log:                  p.Log.Named("integrationapp.service"),
		repo:                 p.Repo,
		genID:                p.GenID,
		clock:                p.Clock,
		box:                  p.Box,
		defaultWebhookSecret: strings.TrimSpace(p.Cfg.WebhookDefaultSecret),
		production:           p.Cfg.IsProduction(),
	}
}

// Ensure returns the community's app, creating it on first use. Concurrent
// first calls converge on the row that won the unique index.
func (s *Service) Ensure(ctx context.Context, req appdomain.EnsureRequest) (*appdomain.App, error) {
	communityID := strings.TrimSpace(req.CommunityID)
	if communityID == "" {
		return nil, appdomain.ErrInvalidCommunity
	}

	existing, err := s.repo.FindAppByCommunityID(ctx, s.db, communityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = communityID
	}

	for attempt := 0; attempt < publicIDAttempts; attempt++ {
		publicID, err := newPublicAppID(displayName)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		app := &appdomain.App{
			ID:             s.genID.Generate(),
			CommunityID:    communityID,
			PublicAppID:    publicID,
			DisplayName:    displayName,
			AllowedOrigins: appdomain.OriginList{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err = s.repo.InsertApp(ctx, s.db, app)
		if err == nil {
			s.log.Info("integration app created",
				zap.String("community_id", communityID),
				zap.String("public_app_id", publicID),
			)
			return app, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}

		// Either another request created the app or the public id collided.
		existing, findErr := s.repo.FindAppByCommunityID(ctx, s.db, communityID)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}

	return nil, fmt.Errorf("ensure integration app: exhausted public id attempts for %s", communityID)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*appdomain.App, error) {
	app, err := s.repo.FindAppByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, appdomain.ErrAppNotFound
	}
	return app, nil
}

func (s *Service) GetByCommunityID(ctx context.Context, communityID string) (*appdomain.App, error) {
	communityID = strings.TrimSpace(communityID)
	if communityID == "" {
		return nil, appdomain.ErrInvalidCommunity
	}
	app, err := s.repo.FindAppByCommunityID(ctx, s.db, communityID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, appdomain.ErrAppNotFound
	}
	return app, nil
}

func (s *Service) GetByPublicID(ctx context.Context, publicAppID string) (*appdomain.App, error) {
	publicAppID = strings.TrimSpace(publicAppID)
	if publicAppID == "" {
		return nil, appdomain.ErrAppNotFound
	}
	app, err := s.repo.FindAppByPublicID(ctx, s.db, publicAppID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, appdomain.ErrAppNotFound
	}
	return app, nil
}

func (s *Service) UpdateConfig(ctx context.Context, communityID string, req appdomain.UpdateConfigRequest) (*appdomain.App, error) {
	app, err := s.GetByCommunityID(ctx, communityID)
	if err != nil {
		return nil, err
	}

	if req.RedirectEnabled != nil {
		app.RedirectEnabled = *req.RedirectEnabled
	}
	if req.EmbeddedEnabled != nil {
		app.EmbeddedEnabled = *req.EmbeddedEnabled
	}
	if req.RedirectURL != nil {
		value := strings.TrimSpace(*req.RedirectURL)
		if value != "" && !isHTTPURL(value) {
			return nil, appdomain.ErrInvalidURL
		}
		app.RedirectURL = value
	}
	if req.WebhookURL != nil {
		value := strings.TrimSpace(*req.WebhookURL)
		if value != "" && !isHTTPURL(value) {
			return nil, appdomain.ErrInvalidURL
		}
		app.WebhookURL = value
	}
	if req.MobileDeepLinkURL != nil {
		value := strings.TrimSpace(*req.MobileDeepLinkURL)
		if value != "" && !isAbsoluteURI(value) {
			return nil, appdomain.ErrInvalidDeepLink
		}
		app.MobileDeepLinkURL = value
	}
	if req.AllowedOrigins != nil {
		origins, err := normalizeOrigins(req.AllowedOrigins)
		if err != nil {
			return nil, err
		}
		app.AllowedOrigins = origins
	}

	app.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateAppConfig(ctx, s.db, app); err != nil {
		return nil, err
	}
	return app, nil
}

// RotateKey deactivates the current key and issues a new one in a single
// transaction. The plaintext secret is only present in the return value.
func (s *Service) RotateKey(ctx context.Context, communityID string) (*appdomain.KeySecret, error) {
	app, err := s.GetByCommunityID(ctx, communityID)
	if err != nil {
		return nil, err
	}

	var result *appdomain.KeySecret
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		revoked, err := s.repo.DeactivateKeys(ctx, tx, app.ID, now)
		if err != nil {
			return err
		}

		id := s.genID.Generate()
		keyID := newKeyID(id)
		secret, err := generateSecret(keySecretBytes)
		if err != nil {
			return err
		}

		key := &appdomain.APIKey{
			ID:          id,
			AppID:       app.ID,
			KeyID:       keyID,
			SecretHash:  signer.HashSecret(secret),
			SecretLast4: signer.Last4(secret),
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.InsertKey(ctx, tx, key); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return appdomain.ErrRotationInProgress
			}
			return err
		}

		s.log.Info("integration api key rotated",
			zap.String("app_id", app.ID.String()),
			zap.String("key_id", keyID),
			zap.Int64("revoked", revoked),
		)

		result = &appdomain.KeySecret{
			KeyID:     keyID,
			Secret:    secret,
			Token:     keyID + "." + secret,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) ListKeys(ctx context.Context, communityID string) ([]appdomain.KeyResponse, error) {
	app, err := s.GetByCommunityID(ctx, communityID)
	if err != nil {
		return nil, err
	}

	keys, err := s.repo.ListKeys(ctx, s.db, app.ID)
	if err != nil {
		return nil, err
	}

	resp := make([]appdomain.KeyResponse, 0, len(keys))
	for i := range keys {
		resp = append(resp, appdomain.KeyResponse{
			KeyID:       keys[i].KeyID,
			SecretLast4: keys[i].SecretLast4,
			IsActive:    keys[i].IsActive,
			CreatedAt:   keys[i].CreatedAt,
			LastUsedAt:  keys[i].LastUsedAt,
			RevokedAt:   keys[i].RevokedAt,
		})
	}
	return resp, nil
}

// Authenticate resolves an active key by its public id and compares the
// presented secret hash in constant time.
func (s *Service) Authenticate(ctx context.Context, keyID, secret string) (*appdomain.Credential, error) {
	keyID = strings.TrimSpace(keyID)
	secret = strings.TrimSpace(secret)
	if keyID == "" || secret == "" {
		return nil, appdomain.ErrMissingCredentials
	}

	key, err := s.repo.FindKeyByKeyID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		return nil, appdomain.ErrInvalidKey
	}
	if !signer.ConstantTimeEqual(signer.HashSecret(secret), key.SecretHash) {
		return nil, appdomain.ErrInvalidSecret
	}

	app, err := s.repo.FindAppByID(ctx, s.db, key.AppID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, appdomain.ErrInvalidKey
	}

	now := s.clock.Now()
	if err := s.repo.TouchKey(ctx, s.db, key.ID, now, now.Add(-keyTouchInterval)); err != nil {
		s.log.Warn("failed to record api key usage", zap.String("key_id", keyID), zap.Error(err))
	}

	return &appdomain.Credential{App: app, Key: key}, nil
}

func (s *Service) RotateWebhookSecret(ctx context.Context, communityID string) (*appdomain.WebhookSecret, error) {
	if !s.box.Enabled() {
		return nil, appdomain.ErrEncryptionKeyMissing
	}
	app, err := s.GetByCommunityID(ctx, communityID)
	if err != nil {
		return nil, err
	}

	raw, err := generateSecret(webhookSecretBytes)
	if err != nil {
		return nil, err
	}
	secret := webhookSecretPrefix + raw

	sealed, err := s.box.Seal(secret)
	if err != nil {
		return nil, err
	}
	app.WebhookSecretSealed = sealed
	app.WebhookSecretLast4 = signer.Last4(secret)
	app.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateWebhookSecret(ctx, s.db, app); err != nil {
		return nil, err
	}

	s.log.Info("webhook secret rotated", zap.String("app_id", app.ID.String()))
	return &appdomain.WebhookSecret{Secret: secret, Last4: app.WebhookSecretLast4}, nil
}

// ResolveWebhookSecret picks the app's own secret and falls back to the
// instance default outside production. The fallback is logged every time.
func (s *Service) ResolveWebhookSecret(ctx context.Context, app *appdomain.App) (*appdomain.ResolvedSecret, error) {
	if app == nil {
		return nil, appdomain.ErrAppNotFound
	}

	if app.HasWebhookSecret() {
		secret, err := s.box.Open(app.WebhookSecretSealed)
		if err == nil {
			return &appdomain.ResolvedSecret{Secret: []byte(secret), Source: appdomain.SecretSourceApp}, nil
		}
		s.log.Error("webhook secret cannot be opened",
			zap.String("app_id", app.ID.String()),
			zap.Error(err),
		)
	}

	if s.production || s.defaultWebhookSecret == "" {
		return nil, appdomain.ErrWebhookSecretMissing
	}

	s.log.Warn("signing webhook with instance default secret",
		zap.String("app_id", app.ID.String()),
		zap.String("community_id", app.CommunityID),
	)
	return &appdomain.ResolvedSecret{
		Secret: []byte(s.defaultWebhookSecret),
		Source: appdomain.SecretSourceInstanceDefault,
	}, nil
}

func (s *Service) RecordConfigWarning(ctx context.Context, appID snowflake.ID, code string) error {
	return s.repo.UpdateConfigWarning(ctx, s.db, appID, code, s.clock.Now())
}

func (s *Service) ListAllowedOrigins(ctx context.Context) ([]string, error) {
	return s.repo.ListAllowedOrigins(ctx, s.db)
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func generateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

const publicIDAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

func newPublicAppID(displayName string) (string, error) {
	base := slug.Make(displayName)
	if len(base) > publicIDSlugMax {
		base = strings.Trim(base[:publicIDSlugMax], "-")
	}
	if base == "" {
		base = "app"
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	for i := range suffix {
		suffix[i] = publicIDAlphabet[int(suffix[i])%len(publicIDAlphabet)]
	}
	return base + "-" + string(suffix), nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func isAbsoluteURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && (u.Host != "" || u.Opaque != "" || u.Path != "")
}

func normalizeOrigins(values []string) (appdomain.OriginList, error) {
	seen := make(map[string]struct{}, len(values))
	out := make(appdomain.OriginList, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		origin, ok := appdomain.NormalizeOrigin(raw)
		if !ok {
			return nil, appdomain.ErrInvalidOrigin
		}
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out, nil
}
