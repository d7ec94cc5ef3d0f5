package domain

import (
	"database/sql/driver"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// App is the integration record of one community. It is created lazily and
// never hard-deleted.
type App struct {
	ID                  snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	CommunityID         string         `gorm:"column:community_id;type:text;not null;uniqueIndex:ux_integration_apps_community"`
	PublicAppID         string         `gorm:"column:public_app_id;type:text;not null;uniqueIndex:ux_integration_apps_public_id"`
	DisplayName         string         `gorm:"column:display_name;type:text;not null;default:''"`
	RedirectEnabled     bool           `gorm:"column:redirect_enabled;not null;default:false"`
	EmbeddedEnabled     bool           `gorm:"column:embedded_enabled;not null;default:false"`
	RedirectURL         string         `gorm:"column:redirect_url;type:text;not null;default:''"`
	MobileDeepLinkURL   string         `gorm:"column:mobile_deep_link_url;type:text;not null;default:''"`
	WebhookURL          string         `gorm:"column:webhook_url;type:text;not null;default:''"`
	WebhookSecretSealed datatypes.JSON `gorm:"column:webhook_secret_sealed"`
	WebhookSecretLast4  string         `gorm:"column:webhook_secret_last4;type:text;not null;default:''"`
	AllowedOrigins      OriginList     `gorm:"column:allowed_origins;not null;default:'{}'"`
	LastConfigWarning   string         `gorm:"column:last_config_warning;type:text;not null;default:''"`
	LastConfigWarningAt *time.Time     `gorm:"column:last_config_warning_at"`
	CreatedAt           time.Time      `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func (App) TableName() string { return "integration_apps" }

func (a *App) HasWebhookSecret() bool {
	return a != nil && len(a.WebhookSecretSealed) > 0
}

// APIKey is a server-to-server credential. Only the secret hash is stored.
type APIKey struct {
	ID          snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	AppID       snowflake.ID `gorm:"column:app_id;not null;uniqueIndex:ux_integration_api_keys_one_active,where:is_active = true"`
	KeyID       string       `gorm:"column:key_id;type:text;not null;uniqueIndex:ux_integration_api_keys_key_id"`
	SecretHash  string       `gorm:"column:secret_hash;type:text;not null"`
	SecretLast4 string       `gorm:"column:secret_last4;type:text;not null"`
	IsActive    bool         `gorm:"column:is_active;not null;default:true"`
	LastUsedAt  *time.Time   `gorm:"column:last_used_at"`
	RevokedAt   *time.Time   `gorm:"column:revoked_at"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (APIKey) TableName() string { return "integration_api_keys" }

// OriginList is stored as a postgres text[] and as its text literal elsewhere.
type OriginList []string

func (o OriginList) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	return pq.StringArray(o).Value()
}

func (o *OriginList) Scan(src any) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*o = OriginList(arr)
	return nil
}

func (OriginList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}
