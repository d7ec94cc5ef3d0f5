package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type CodeStatus string

const (
	CodeStatusIssued   CodeStatus = "issued"
	CodeStatusRedeemed CodeStatus = "redeemed"
	CodeStatusExpired  CodeStatus = "expired"
)

const (
	IntentTTL = 30 * time.Minute
	CodeTTL   = 10 * time.Minute
)

// Intent is a single-use token that carries partner-known identity into the
// hosted join flow.
type Intent struct {
	ID             snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	AppID          snowflake.ID `gorm:"column:app_id;not null"`
	TokenHash      string       `gorm:"column:token_hash;type:text;not null;uniqueIndex:ux_integration_waitlist_intents_token"`
	ExternalUserID string       `gorm:"column:external_user_id;type:text;not null;default:''"`
	Email          string       `gorm:"column:email;type:text;not null;default:''"`
	Phone          string       `gorm:"column:phone;type:text;not null;default:''"`
	ReturnTo       string       `gorm:"column:return_to;type:text;not null;default:''"`
	ExpiresAt      time.Time    `gorm:"column:expires_at;not null"`
	ConsumedAt     *time.Time   `gorm:"column:consumed_at"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (Intent) TableName() string { return "integration_waitlist_intents" }

// Code is a one-time access code minted on approval. Status only moves from
// issued to redeemed or from issued to expired.
type Code struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	AppID      snowflake.ID `gorm:"column:app_id;not null;index:ix_integration_access_codes_user,priority:1"`
	UserID     string       `gorm:"column:user_id;type:text;not null;index:ix_integration_access_codes_user,priority:2"`
	CodeHash   string       `gorm:"column:code_hash;type:text;not null;uniqueIndex:ux_integration_access_codes_hash"`
	Status     CodeStatus   `gorm:"column:status;type:text;not null;default:'issued';index:ix_integration_access_codes_user,priority:3"`
	ExpiresAt  time.Time    `gorm:"column:expires_at;not null"`
	RedeemedAt *time.Time   `gorm:"column:redeemed_at"`
	CreatedAt  time.Time    `gorm:"not null"`
	UpdatedAt  time.Time    `gorm:"not null"`
}

func (Code) TableName() string { return "integration_access_codes" }
