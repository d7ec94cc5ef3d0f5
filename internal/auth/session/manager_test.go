package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// roundTrip establishes cookies through write and replays them into a fresh
// request context.
func roundTrip(t *testing.T, write func(c *gin.Context)) *gin.Context {
	t.Helper()

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	write(c)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, cookie := range rec.Result().Cookies() {
		next.AddCookie(cookie)
	}
	readCtx, _ := gin.CreateTestContext(httptest.NewRecorder())
	readCtx.Request = next
	return readCtx
}

func TestFullSessionRoundTrip(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	m := NewWithKey([]byte("k"), false, fake)

	c := roundTrip(t, func(c *gin.Context) {
		require.NoError(t, m.Establish(c, Claims{UserID: "user_1", CommunityID: "c_1", Scope: ScopeFull}))
	})

	claims, err := m.Read(c, ScopeFull)
	require.NoError(t, err)
	require.Equal(t, "user_1", claims.UserID)

	widget, err := m.Read(c, ScopeWidget)
	require.NoError(t, err)
	require.Equal(t, "c_1", widget.CommunityID)
}

func TestWidgetSessionNeverGrantsFullScope(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	m := NewWithKey([]byte("k"), false, fake)

	c := roundTrip(t, func(c *gin.Context) {
		require.NoError(t, m.Establish(c, Claims{UserID: "user_1", CommunityID: "c_1", Scope: ScopeWidget}))
	})

	_, err := m.Read(c, ScopeFull)
	require.ErrorIs(t, err, ErrNoSession)

	claims, err := m.Read(c, ScopeWidget)
	require.NoError(t, err)
	require.Equal(t, ScopeWidget, claims.Scope)
}

func TestSessionExpiresAndRejectsForeignKey(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	m := NewWithKey([]byte("k"), false, fake)

	c := roundTrip(t, func(c *gin.Context) {
		require.NoError(t, m.Establish(c, Claims{UserID: "user_1", Scope: ScopeWidget}))
	})

	other := NewWithKey([]byte("other"), false, fake)
	_, err := other.Read(c, ScopeWidget)
	require.ErrorIs(t, err, ErrInvalidSession)

	fake.Advance(WidgetTTL + time.Second)
	_, err = m.Read(c, ScopeWidget)
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestPrefillRoundTrip(t *testing.T) {
	m := NewWithKey([]byte("k"), false, clock.New())

	c := roundTrip(t, func(c *gin.Context) {
		require.NoError(t, m.SetPrefill(c, Prefill{PublicAppID: "lounge-abc", Email: "a@example.com"}))
	})

	prefill, err := m.ReadPrefill(c)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", prefill.Email)
}
