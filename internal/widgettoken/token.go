// Package widgettoken issues the short-lived signed tokens that let a partner
// mount the chat widget for one member.
package widgettoken

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"github.com/smallbiznis/partnergate/internal/signer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const TTL = 15 * time.Minute

var (
	ErrMalformed        = gatewayerr.Auth("widget_token_malformed", "widget token is malformed")
	ErrInvalidSignature = gatewayerr.Auth("widget_token_invalid", "widget token signature is invalid")
	ErrExpired          = gatewayerr.Auth("widget_token_expired", "widget token has expired")

	errSecretRequired = errors.New("WIDGET_TOKEN_SECRET is required in production")
)

// Payload is the signed content. Field names are short to keep URLs small.
type Payload struct {
	AppID       string `json:"aid"`
	UserID      string `json:"uid"`
	CommunityID string `json:"cid"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
}

func (p Payload) Expiry() time.Time {
	return time.Unix(p.ExpiresAt, 0).UTC()
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

type Signer struct {
	key   []byte
	clock clock.Clock
}

func New(p Params) (*Signer, error) {
	secret := strings.TrimSpace(p.Cfg.WidgetTokenSecret)
	if secret == "" {
		if p.Cfg.IsProduction() {
			return nil, errSecretRequired
		}
		p.Log.Warn("WIDGET_TOKEN_SECRET not set, widget tokens will not survive a restart")
		ephemeral := make([]byte, 32)
		if _, err := rand.Read(ephemeral); err != nil {
			return nil, err
		}
		return NewWithKey(ephemeral, p.Clock), nil
	}

	key, err := signer.DeriveKey(secret, "widget-token")
	if err != nil {
		return nil, err
	}
	return NewWithKey(key, p.Clock), nil
}

func NewWithKey(key []byte, c clock.Clock) *Signer {
	return &Signer{key: key, clock: c}
}

// Issue returns base64url(payload) + "." + base64url(HMAC-SHA256(payload)).
func (s *Signer) Issue(appID, userID, communityID string) (string, Payload, error) {
	now := s.clock.Now()
	payload := Payload{
		AppID:       appID,
		UserID:      userID,
		CommunityID: communityID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(TTL).Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, err
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	mac := signer.Sum(s.key, []byte(encoded))
	return encoded + "." + base64.RawURLEncoding.EncodeToString(mac), payload, nil
}

// Verify checks the signature before decoding anything, then the expiry.
func (s *Signer) Verify(token string) (*Payload, error) {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, ErrMalformed
	}

	given, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, ErrMalformed
	}
	if !hmac.Equal(given, signer.Sum(s.key, []byte(encoded))) {
		return nil, ErrInvalidSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformed
	}

	if !s.clock.Now().Before(payload.Expiry()) {
		return nil, ErrExpired
	}
	return &payload, nil
}
