package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	"gorm.io/gorm"
)

const appColumns = `id, community_id, public_app_id, display_name, redirect_enabled, embedded_enabled,
	redirect_url, mobile_deep_link_url, webhook_url, webhook_secret_sealed, webhook_secret_last4,
	allowed_origins, last_config_warning, last_config_warning_at, created_at, updated_at`

const keyColumns = `id, app_id, key_id, secret_hash, secret_last4, is_active, last_used_at, revoked_at, created_at, updated_at`

type repo struct{}

func Provide() appdomain.Repository {
	return &repo{}
}

func (r *repo) InsertApp(ctx context.Context, db *gorm.DB, app *appdomain.App) error {
	origins := app.AllowedOrigins
	if origins == nil {
		origins = appdomain.OriginList{}
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_apps (id, community_id, public_app_id, display_name, redirect_enabled, embedded_enabled,
			redirect_url, mobile_deep_link_url, webhook_url, webhook_secret_last4, allowed_origins, last_config_warning,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID,
		app.CommunityID,
		app.PublicAppID,
		app.DisplayName,
		app.RedirectEnabled,
		app.EmbeddedEnabled,
		app.RedirectURL,
		app.MobileDeepLinkURL,
		app.WebhookURL,
		app.WebhookSecretLast4,
		origins,
		app.LastConfigWarning,
		app.CreatedAt,
		app.UpdatedAt,
	).Error
}

func (r *repo) UpdateAppConfig(ctx context.Context, db *gorm.DB, app *appdomain.App) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integration_apps
		 SET redirect_enabled = ?, embedded_enabled = ?, redirect_url = ?, mobile_deep_link_url = ?,
			webhook_url = ?, allowed_origins = ?, updated_at = ?
		 WHERE id = ?`,
		app.RedirectEnabled,
		app.EmbeddedEnabled,
		app.RedirectURL,
		app.MobileDeepLinkURL,
		app.WebhookURL,
		app.AllowedOrigins,
		app.UpdatedAt,
		app.ID,
	).Error
}

func (r *repo) UpdateWebhookSecret(ctx context.Context, db *gorm.DB, app *appdomain.App) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integration_apps SET webhook_secret_sealed = ?, webhook_secret_last4 = ?, updated_at = ? WHERE id = ?`,
		app.WebhookSecretSealed,
		app.WebhookSecretLast4,
		app.UpdatedAt,
		app.ID,
	).Error
}

func (r *repo) UpdateConfigWarning(ctx context.Context, db *gorm.DB, appID snowflake.ID, code string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integration_apps SET last_config_warning = ?, last_config_warning_at = ? WHERE id = ?`,
		code,
		at,
		appID,
	).Error
}

func (r *repo) FindAppByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*appdomain.App, error) {
	return r.findApp(ctx, db, `id = ?`, id)
}

func (r *repo) FindAppByCommunityID(ctx context.Context, db *gorm.DB, communityID string) (*appdomain.App, error) {
	return r.findApp(ctx, db, `community_id = ?`, communityID)
}

func (r *repo) FindAppByPublicID(ctx context.Context, db *gorm.DB, publicAppID string) (*appdomain.App, error) {
	return r.findApp(ctx, db, `public_app_id = ?`, publicAppID)
}

func (r *repo) findApp(ctx context.Context, db *gorm.DB, where string, arg any) (*appdomain.App, error) {
	var app appdomain.App
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM integration_apps WHERE `+where+` LIMIT 1`,
		arg,
	).Scan(&app).Error
	if err != nil {
		return nil, err
	}
	if app.ID == 0 {
		return nil, nil
	}
	return &app, nil
}

func (r *repo) ListAllowedOrigins(ctx context.Context, db *gorm.DB) ([]string, error) {
	var rows []appdomain.App
	err := db.WithContext(ctx).Raw(
		`SELECT id, allowed_origins FROM integration_apps`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		for _, origin := range row.AllowedOrigins {
			if _, ok := seen[origin]; ok {
				continue
			}
			seen[origin] = struct{}{}
			out = append(out, origin)
		}
	}
	return out, nil
}

func (r *repo) InsertKey(ctx context.Context, db *gorm.DB, key *appdomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO integration_api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.AppID,
		key.KeyID,
		key.SecretHash,
		key.SecretLast4,
		key.IsActive,
		key.LastUsedAt,
		key.RevokedAt,
		key.CreatedAt,
		key.UpdatedAt,
	).Error
}

func (r *repo) DeactivateKeys(ctx context.Context, db *gorm.DB, appID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE integration_api_keys SET is_active = ?, revoked_at = ?, updated_at = ? WHERE app_id = ? AND is_active = ?`,
		false,
		at,
		at,
		appID,
		true,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindKeyByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*appdomain.APIKey, error) {
	var key appdomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+` FROM integration_api_keys WHERE key_id = ? LIMIT 1`,
		keyID,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) ListKeys(ctx context.Context, db *gorm.DB, appID snowflake.ID) ([]appdomain.APIKey, error) {
	var keys []appdomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+` FROM integration_api_keys WHERE app_id = ? ORDER BY created_at DESC, id DESC`,
		appID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// TouchKey records usage unless it was already recorded after staleBefore.
func (r *repo) TouchKey(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, staleBefore time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE integration_api_keys SET last_used_at = ?
		 WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`,
		at,
		id,
		staleBefore,
	).Error
}
