package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"gorm.io/gorm"
)

type Service interface {
	Ensure(ctx context.Context, req EnsureRequest) (*App, error)
	GetByID(ctx context.Context, id snowflake.ID) (*App, error)
	GetByCommunityID(ctx context.Context, communityID string) (*App, error)
	GetByPublicID(ctx context.Context, publicAppID string) (*App, error)
	UpdateConfig(ctx context.Context, communityID string, req UpdateConfigRequest) (*App, error)

	RotateKey(ctx context.Context, communityID string) (*KeySecret, error)
	ListKeys(ctx context.Context, communityID string) ([]KeyResponse, error)
	Authenticate(ctx context.Context, keyID, secret string) (*Credential, error)

	RotateWebhookSecret(ctx context.Context, communityID string) (*WebhookSecret, error)
	ResolveWebhookSecret(ctx context.Context, app *App) (*ResolvedSecret, error)
	RecordConfigWarning(ctx context.Context, appID snowflake.ID, code string) error
	ListAllowedOrigins(ctx context.Context) ([]string, error)
}

type Repository interface {
	InsertApp(ctx context.Context, db *gorm.DB, app *App) error
	UpdateAppConfig(ctx context.Context, db *gorm.DB, app *App) error
	UpdateWebhookSecret(ctx context.Context, db *gorm.DB, app *App) error
	UpdateConfigWarning(ctx context.Context, db *gorm.DB, appID snowflake.ID, code string, at time.Time) error
	FindAppByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*App, error)
	FindAppByCommunityID(ctx context.Context, db *gorm.DB, communityID string) (*App, error)
	FindAppByPublicID(ctx context.Context, db *gorm.DB, publicAppID string) (*App, error)
	ListAllowedOrigins(ctx context.Context, db *gorm.DB) ([]string, error)

	InsertKey(ctx context.Context, db *gorm.DB, key *APIKey) error
	DeactivateKeys(ctx context.Context, db *gorm.DB, appID snowflake.ID, at time.Time) (int64, error)
	FindKeyByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*APIKey, error)
	ListKeys(ctx context.Context, db *gorm.DB, appID snowflake.ID) ([]APIKey, error)
	TouchKey(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time, staleBefore time.Time) error
}

type EnsureRequest struct {
	CommunityID string `json:"community_id"`
	DisplayName string `json:"display_name"`
}

type UpdateConfigRequest struct {
	RedirectEnabled   *bool    `json:"redirect_enabled"`
	EmbeddedEnabled   *bool    `json:"embedded_enabled"`
	RedirectURL       *string  `json:"redirect_url"`
	MobileDeepLinkURL *string  `json:"mobile_deep_link_url"`
	WebhookURL        *string  `json:"webhook_url"`
	AllowedOrigins    []string `json:"allowed_origins"`
}

// Credential is the result of a successful gateway authentication.
type Credential struct {
	App *App
	Key *APIKey
}

type KeySecret struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
	// Token is the combined bearer value "keyId.secret".
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

type KeyResponse struct {
	KeyID       string     `json:"key_id"`
	SecretLast4 string     `json:"secret_last4"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

type WebhookSecret struct {
	Secret string `json:"secret"`
	Last4  string `json:"last4"`
}

type SecretSource string

const (
	SecretSourceApp             SecretSource = "app"
	SecretSourceInstanceDefault SecretSource = "instance_default"
)

// ResolvedSecret is the signing key chosen for an app and where it came from.
type ResolvedSecret struct {
	Secret []byte
	Source SecretSource
}

// AppResponse is the dashboard view of an app. Sealed secrets never leave the service.
type AppResponse struct {
	ID                  string     `json:"id"`
	CommunityID         string     `json:"community_id"`
	PublicAppID         string     `json:"public_app_id"`
	DisplayName         string     `json:"display_name"`
	RedirectEnabled     bool       `json:"redirect_enabled"`
	EmbeddedEnabled     bool       `json:"embedded_enabled"`
	RedirectURL         string     `json:"redirect_url"`
	MobileDeepLinkURL   string     `json:"mobile_deep_link_url"`
	WebhookURL          string     `json:"webhook_url"`
	WebhookSecretLast4  string     `json:"webhook_secret_last4"`
	AllowedOrigins      []string   `json:"allowed_origins"`
	LastConfigWarning   string     `json:"last_config_warning,omitempty"`
	LastConfigWarningAt *time.Time `json:"last_config_warning_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func ToResponse(app *App) AppResponse {
	origins := []string(app.AllowedOrigins)
	if origins == nil {
		origins = []string{}
	}
	return AppResponse{
		ID:                  app.ID.String(),
		CommunityID:         app.CommunityID,
		PublicAppID:         app.PublicAppID,
		DisplayName:         app.DisplayName,
		RedirectEnabled:     app.RedirectEnabled,
		EmbeddedEnabled:     app.EmbeddedEnabled,
		RedirectURL:         app.RedirectURL,
		MobileDeepLinkURL:   app.MobileDeepLinkURL,
		WebhookURL:          app.WebhookURL,
		WebhookSecretLast4:  app.WebhookSecretLast4,
		AllowedOrigins:      origins,
		LastConfigWarning:   app.LastConfigWarning,
		LastConfigWarningAt: app.LastConfigWarningAt,
		CreatedAt:           app.CreatedAt,
		UpdatedAt:           app.UpdatedAt,
	}
}

const (
	WarningWebhookURLMissing       = "webhook_url_missing"
	WarningWebhookSecretMissing    = "webhook_secret_missing"
	WarningWebhookSecretFallback   = "webhook_secret_instance_default"
	WarningWebhookSecretUnreadable = "webhook_secret_unreadable"
)

var (
	ErrMissingCredentials = gatewayerr.Auth("missing_credentials", "missing credentials")
	ErrInvalidKey         = gatewayerr.Auth("invalid_key", "invalid key")
	ErrInvalidSecret      = gatewayerr.Auth("invalid_secret", "invalid secret")

	ErrAppNotFound          = gatewayerr.NotFound("app_not_found", "integration app not found")
	ErrInvalidCommunity     = gatewayerr.Validation("invalid_community", "community id is required")
	ErrInvalidURL           = gatewayerr.Validation("invalid_url", "url must be an absolute http or https url")
	ErrInvalidDeepLink      = gatewayerr.Validation("invalid_deep_link", "mobile deep link must be an absolute uri")
	ErrInvalidOrigin        = gatewayerr.Validation("invalid_origin", "allowed origins must be scheme://host[:port]")
	ErrRotationInProgress   = gatewayerr.Conflict("key_rotation_conflict", "another key rotation completed first, retry")
	ErrWebhookSecretMissing = gatewayerr.Configuration(WarningWebhookSecretMissing, "webhook signing secret is not configured")
	ErrEncryptionKeyMissing = gatewayerr.Configuration("encryption_key_missing", "secret encryption key is not configured")
)
