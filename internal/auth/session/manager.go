package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/smallbiznis/partnergate/internal/signer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DefaultCookieName = "_sid"
	WidgetCookieName  = "_wsid"
	PrefillCookieName = "_join_prefill"

	SessionTTL = 12 * time.Hour
	WidgetTTL  = time.Hour
	PrefillTTL = 30 * time.Minute
)

type Scope string

const (
	ScopeFull   Scope = "full"
	ScopeWidget Scope = "widget"
)

var (
	ErrNoSession      = errors.New("session_missing")
	ErrInvalidSession = errors.New("session_invalid")
	ErrScopeMismatch  = errors.New("session_scope_mismatch")
)

// Claims is the signed content of a browser session cookie.
type Claims struct {
	UserID      string `json:"uid"`
	CommunityID string `json:"cid"`
	AppID       string `json:"aid,omitempty"`
	Scope       Scope  `json:"scope"`
	jwtlib.RegisteredClaims
}

// Prefill carries partner-known identity into the hosted join form.
type Prefill struct {
	PublicAppID    string `json:"pid"`
	ExternalUserID string `json:"ext,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	ReturnTo       string `json:"rt,omitempty"`
	jwtlib.RegisteredClaims
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

// Manager manages browser session cookies.
type Manager struct {
	key    []byte
	secure bool
	clock  clock.Clock
}

func NewManager(p Params) (*Manager, error) {
	secret := strings.TrimSpace(p.Cfg.SessionSecret)
	if secret == "" {
		if p.Cfg.IsProduction() {
			return nil, errors.New("SESSION_SECRET is required in production")
		}
		p.Log.Warn("SESSION_SECRET not set, sessions will not survive a restart")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return NewWithKey(key, p.Cfg.AuthCookieSecure, p.Clock), nil
	}

	key, err := signer.DeriveKey(secret, "session")
	if err != nil {
		return nil, err
	}
	return NewWithKey(key, p.Cfg.AuthCookieSecure, p.Clock), nil
}

func NewWithKey(key []byte, secure bool, c clock.Clock) *Manager {
	return &Manager{key: key, secure: secure, clock: c}
}

// Establish signs claims and sets the cookie for their scope. Widget sessions
// use their own cookie so they never satisfy a full-session check.
func (m *Manager) Establish(c *gin.Context, claims Claims) error {
	ttl := SessionTTL
	name := DefaultCookieName
	if claims.Scope == ScopeWidget {
		ttl = WidgetTTL
		name = WidgetCookieName
	}
	if claims.Scope == "" {
		claims.Scope = ScopeFull
	}

	now := m.clock.Now()
	claims.IssuedAt = jwtlib.NewNumericDate(now)
	claims.ExpiresAt = jwtlib.NewNumericDate(now.Add(ttl))

	token, err := m.sign(claims)
	if err != nil {
		return err
	}
	m.setCookie(c, name, token, ttl)
	return nil
}

// Read returns the session for scope. A full session also satisfies a widget
// read; the reverse never holds.
func (m *Manager) Read(c *gin.Context, scope Scope) (*Claims, error) {
	if scope == ScopeWidget {
		if claims, err := m.readCookie(c, DefaultCookieName); err == nil {
			return claims, nil
		}
		return m.readCookie(c, WidgetCookieName)
	}

	claims, err := m.readCookie(c, DefaultCookieName)
	if err != nil {
		return nil, err
	}
	if claims.Scope != ScopeFull {
		return nil, ErrScopeMismatch
	}
	return claims, nil
}

func (m *Manager) SetPrefill(c *gin.Context, prefill Prefill) error {
	now := m.clock.Now()
	prefill.IssuedAt = jwtlib.NewNumericDate(now)
	prefill.ExpiresAt = jwtlib.NewNumericDate(now.Add(PrefillTTL))

	token, err := m.sign(prefill)
	if err != nil {
		return err
	}
	m.setCookie(c, PrefillCookieName, token, PrefillTTL)
	return nil
}

func (m *Manager) ReadPrefill(c *gin.Context) (*Prefill, error) {
	raw, err := c.Cookie(PrefillCookieName)
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil, ErrNoSession
	}
	var prefill Prefill
	if err := m.parse(raw, &prefill); err != nil {
		return nil, err
	}
	return &prefill, nil
}

func (m *Manager) Clear(c *gin.Context) {
	for _, name := range []string{DefaultCookieName, WidgetCookieName, PrefillCookieName} {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(name, "", -1, "/", "", m.secure, true)
	}
}

func (m *Manager) readCookie(c *gin.Context, name string) (*Claims, error) {
	raw, err := c.Cookie(name)
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil, ErrNoSession
	}
	var claims Claims
	if err := m.parse(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (m *Manager) sign(claims jwtlib.Claims) (string, error) {
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.key)
}

func (m *Manager) parse(raw string, claims jwtlib.Claims) error {
	token, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwtlib.WithTimeFunc(m.clock.Now), jwtlib.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ErrInvalidSession
	}
	return nil
}

func (m *Manager) setCookie(c *gin.Context, name, value string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(ttl.Seconds()), "/", "", m.secure, true)
}
