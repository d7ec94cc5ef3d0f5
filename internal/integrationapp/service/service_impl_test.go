package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	"github.com/smallbiznis/partnergate/internal/integrationapp/repository"
	"github.com/smallbiznis/partnergate/internal/secretbox"
	"github.com/smallbiznis/partnergate/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, cfg config.Config) (*Service, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&appdomain.App{}, &appdomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
		Cfg:   cfg,
		Box:   secretbox.NewWithKey(cfg.SecretEncryptionKey),
	}).(*Service)
	return svc, fake
}

func TestEnsureIsLazyAndIdempotent(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	ctx := context.Background()

	first, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1", DisplayName: "Indie Hackers Lounge"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first.PublicAppID, "indie-hackers-lounge-"))

	second, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1", DisplayName: "Renamed"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.PublicAppID, second.PublicAppID)

	byPublic, err := svc.GetByPublicID(ctx, first.PublicAppID)
	require.NoError(t, err)
	require.Equal(t, first.ID, byPublic.ID)
}

func TestEnsureConcurrentConverges(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]snowflake.ID, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			app, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_race"})
			errs[i] = err
			if app != nil {
				ids[i] = app.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func TestRotateKeyKeepsSingleActiveKey(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	ctx := context.Background()
	_, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
	require.NoError(t, err)

	first, err := svc.RotateKey(ctx, "c_1")
	require.NoError(t, err)
	require.Equal(t, first.KeyID+"."+first.Secret, first.Token)

	second, err := svc.RotateKey(ctx, "c_1")
	require.NoError(t, err)

	keys, err := svc.ListKeys(ctx, "c_1")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	active := 0
	for _, k := range keys {
		if k.IsActive {
			active++
			require.Equal(t, second.KeyID, k.KeyID)
		} else {
			require.NotNil(t, k.RevokedAt)
		}
	}
	require.Equal(t, 1, active)

	_, err = svc.Authenticate(ctx, first.KeyID, first.Secret)
	require.ErrorIs(t, err, appdomain.ErrInvalidKey)

	cred, err := svc.Authenticate(ctx, second.KeyID, second.Secret)
	require.NoError(t, err)
	require.Equal(t, "c_1", cred.App.CommunityID)
}

func TestAuthenticateFailures(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	ctx := context.Background()
	_, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
	require.NoError(t, err)
	key, err := svc.RotateKey(ctx, "c_1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "", "")
	require.ErrorIs(t, err, appdomain.ErrMissingCredentials)

	_, err = svc.Authenticate(ctx, "key_UNKNOWN", key.Secret)
	require.ErrorIs(t, err, appdomain.ErrInvalidKey)

	_, err = svc.Authenticate(ctx, key.KeyID, key.Secret+"x")
	require.ErrorIs(t, err, appdomain.ErrInvalidSecret)
}

func TestAuthenticateTouchesLastUsed(t *testing.T) {
	svc, fake := newTestService(t, config.Config{})
	ctx := context.Background()
	_, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
	require.NoError(t, err)
	key, err := svc.RotateKey(ctx, "c_1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, key.KeyID, key.Secret)
	require.NoError(t, err)

	keys, err := svc.ListKeys(ctx, "c_1")
	require.NoError(t, err)
	require.NotNil(t, keys[0].LastUsedAt)
	require.True(t, keys[0].LastUsedAt.Equal(fake.Now()))
}

func TestUpdateConfigValidates(t *testing.T) {
	svc, _ := newTestService(t, config.Config{})
	ctx := context.Background()
	_, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
	require.NoError(t, err)

	bad := "ftp://example.com/hook"
	_, err = svc.UpdateConfig(ctx, "c_1", appdomain.UpdateConfigRequest{WebhookURL: &bad})
	require.ErrorIs(t, err, appdomain.ErrInvalidURL)

	hook := "https://partner.example/hooks"
	deepLink := "partnerapp://community/joined"
	enabled := true
	app, err := svc.UpdateConfig(ctx, "c_1", appdomain.UpdateConfigRequest{
		WebhookURL:        &hook,
		MobileDeepLinkURL: &deepLink,
		RedirectEnabled:   &enabled,
		AllowedOrigins:    []string{"https://Partner.example", "https://partner.example/"},
	})
	require.NoError(t, err)
	require.Equal(t, appdomain.OriginList{"https://partner.example"}, app.AllowedOrigins)

	reloaded, err := svc.GetByCommunityID(ctx, "c_1")
	require.NoError(t, err)
	require.Equal(t, hook, reloaded.WebhookURL)
	require.Equal(t, deepLink, reloaded.MobileDeepLinkURL)
	require.True(t, reloaded.RedirectEnabled)
	require.Equal(t, appdomain.OriginList{"https://partner.example"}, reloaded.AllowedOrigins)

	origins, err := svc.ListAllowedOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"https://partner.example"}, origins)
}

func TestResolveWebhookSecretTwoTier(t *testing.T) {
	ctx := context.Background()

	t.Run("app secret wins", func(t *testing.T) {
		svc, _ := newTestService(t, config.Config{SecretEncryptionKey: "enc", WebhookDefaultSecret: "dev-default"})
		_, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
		require.NoError(t, err)
		rotated, err := svc.RotateWebhookSecret(ctx, "c_1")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(rotated.Secret, "whsec_"))

		app, err := svc.GetByCommunityID(ctx, "c_1")
		require.NoError(t, err)
		require.Equal(t, rotated.Last4, app.WebhookSecretLast4)

		resolved, err := svc.ResolveWebhookSecret(ctx, app)
		require.NoError(t, err)
		require.Equal(t, appdomain.SecretSourceApp, resolved.Source)
		require.Equal(t, rotated.Secret, string(resolved.Secret))
	})

	t.Run("instance default outside production", func(t *testing.T) {
		svc, _ := newTestService(t, config.Config{Environment: "development", WebhookDefaultSecret: "dev-default"})
		app, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_2"})
		require.NoError(t, err)

		resolved, err := svc.ResolveWebhookSecret(ctx, app)
		require.NoError(t, err)
		require.Equal(t, appdomain.SecretSourceInstanceDefault, resolved.Source)
		require.Equal(t, "dev-default", string(resolved.Secret))
	})

	t.Run("no fallback in production", func(t *testing.T) {
		svc, _ := newTestService(t, config.Config{Environment: config.EnvProduction, WebhookDefaultSecret: "dev-default"})
		app, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_3"})
		require.NoError(t, err)

		_, err = svc.ResolveWebhookSecret(ctx, app)
		require.ErrorIs(t, err, appdomain.ErrWebhookSecretMissing)
	})
}

func TestRecordConfigWarning(t *testing.T) {
	svc, fake := newTestService(t, config.Config{})
	ctx := context.Background()
	app, err := svc.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_1"})
	require.NoError(t, err)

	require.NoError(t, svc.RecordConfigWarning(ctx, app.ID, appdomain.WarningWebhookURLMissing))

	reloaded, err := svc.GetByID(ctx, app.ID)
	require.NoError(t, err)
	require.Equal(t, appdomain.WarningWebhookURLMissing, reloaded.LastConfigWarning)
	require.NotNil(t, reloaded.LastConfigWarningAt)
	require.True(t, reloaded.LastConfigWarningAt.Equal(fake.Now()))
}
