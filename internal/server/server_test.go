package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	coderepo "github.com/smallbiznis/partnergate/internal/accesscode/repository"
	codeservice "github.com/smallbiznis/partnergate/internal/accesscode/service"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	gatewayservice "github.com/smallbiznis/partnergate/internal/gateway/service"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	linkrepo "github.com/smallbiznis/partnergate/internal/identitylink/repository"
	linkservice "github.com/smallbiznis/partnergate/internal/identitylink/service"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	apprepo "github.com/smallbiznis/partnergate/internal/integrationapp/repository"
	appservice "github.com/smallbiznis/partnergate/internal/integrationapp/service"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
	memberservice "github.com/smallbiznis/partnergate/internal/membership/service"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	presencerepo "github.com/smallbiznis/partnergate/internal/presence/repository"
	presenceservice "github.com/smallbiznis/partnergate/internal/presence/service"
	"github.com/smallbiznis/partnergate/internal/secretbox"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"github.com/smallbiznis/partnergate/internal/widgettoken"
	"github.com/smallbiznis/partnergate/pkg/db"
	"github.com/smallbiznis/partnergate/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testBaseURL       = "https://community.example.com"
	testInternalToken = "internal-token"
	testCommunityID   = "c_1"
)

type fakeWebhooks struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeWebhooks) Deliver(ctx context.Context, appID snowflake.ID, eventType string, data any) (*hookdomain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return &hookdomain.Delivery{}, nil
}

func (f *fakeWebhooks) RetryDue(ctx context.Context, limit int) (hookdomain.SweepResult, error) {
	return hookdomain.SweepResult{}, nil
}

func (f *fakeWebhooks) Redeliver(ctx context.Context, appID, deliveryID snowflake.ID) (*hookdomain.Delivery, error) {
	return nil, hookdomain.ErrDeliveryNotFound
}

func (f *fakeWebhooks) List(ctx context.Context, appID snowflake.ID, page pagination.Pagination) ([]hookdomain.DeliveryResponse, *pagination.PageInfo, error) {
	return []hookdomain.DeliveryResponse{}, &pagination.PageInfo{}, nil
}

type testServer struct {
	srv      *Server
	conn     *gorm.DB
	apps     appdomain.Service
	sessions *session.Manager
	clock    *clock.FakeClock
	app      *appdomain.App
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&appdomain.App{},
		&appdomain.APIKey{},
		&codedomain.Intent{},
		&codedomain.Code{},
		&linkdomain.Link{},
		&presencedomain.Record{},
		&memberdomain.Membership{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		PublicBaseURL:       testBaseURL,
		SecretEncryptionKey: "test-encryption-key",
		InternalAPIToken:    testInternalToken,
	}

	apps := appservice.New(appservice.Params{
		DB: conn, Log: log, GenID: node, Repo: apprepo.Provide(), Clock: fake, Cfg: cfg,
		Box: secretbox.NewWithKey(cfg.SecretEncryptionKey),
	})
	codes := codeservice.New(codeservice.Params{DB: conn, Log: log, GenID: node, Repo: coderepo.Provide(), Clock: fake})
	links := linkservice.New(linkservice.Params{DB: conn, Log: log, GenID: node, Repo: linkrepo.Provide(), Clock: fake})
	presence := presenceservice.New(presenceservice.Params{
		DB: conn, Log: log, GenID: node, Repo: presencerepo.Provide(), Clock: fake, Hub: hub.New(),
	})
	directory := memberservice.New(memberservice.Params{DB: conn, Log: log, Clock: fake})
	webhooks := &fakeWebhooks{}
	gateway := gatewayservice.New(gatewayservice.Params{
		DB:        conn,
		Log:       log,
		Cfg:       cfg,
		Clock:     fake,
		Apps:      apps,
		Codes:     codes,
		Links:     links,
		Presence:  presence,
		Directory: directory,
		Webhooks:  webhooks,
		Widgets:   widgettoken.NewWithKey([]byte("widget-key"), fake),
	})
	sessions := session.NewWithKey([]byte("session-key"), false, fake)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:       engine,
		Cfg:       cfg,
		Log:       log,
		Clock:     fake,
		Gateway:   gateway,
		Apps:      apps,
		Webhooks:  webhooks,
		Presence:  presence,
		Directory: directory,
		Sessions:  sessions,
	})

	ctx := context.Background()
	app, err := apps.Ensure(ctx, appdomain.EnsureRequest{CommunityID: testCommunityID, DisplayName: "Lounge"})
	require.NoError(t, err)
	key, err := apps.RotateKey(ctx, testCommunityID)
	require.NoError(t, err)

	return &testServer{
		srv:      srv,
		conn:     conn,
		apps:     apps,
		sessions: sessions,
		clock:    fake,
		app:      app,
		token:    key.Token,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+ts.token)
}

func (ts *testServer) internal(req *http.Request) {
	req.Header.Set(HeaderInternalToken, testInternalToken)
}

// sessionCookie signs a full session for userID the way the browser would
// receive it.
func (ts *testServer) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, ts.sessions.Establish(c, session.Claims{
		UserID:      userID,
		CommunityID: testCommunityID,
		Scope:       session.ScopeFull,
	}))
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.DefaultCookieName {
			return cookie
		}
	}
	t.Fatalf("session cookie not set")
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func (ts *testServer) approve(t *testing.T, userID, externalUserID string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/internal/membership-events", map[string]string{
		"communityId":    testCommunityID,
		"userId":         userID,
		"status":         "approved",
		"externalUserId": externalUserID,
	}, ts.internal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			AccessURL string `json:"accessUrl"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.Data.AccessURL, testBaseURL+"/access/"))
	return strings.TrimPrefix(resp.Data.AccessURL, testBaseURL+"/access/")
}

func TestGatewayAuthFailures(t *testing.T) {
	ts := newTestServer(t)
	keyID, _, _ := strings.Cut(ts.token, ".")

	rec := ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing credentials", decodeError(t, rec).Message)

	rec = ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", nil, func(r *http.Request) {
		r.Header.Set(HeaderIntegrationKeyID, "key_UNKNOWN")
		r.Header.Set(HeaderIntegrationSecret, "whatever")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid key", decodeError(t, rec).Message)

	rec = ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+keyID+".wrong")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	payload := decodeError(t, rec)
	require.Equal(t, "auth_error", payload.Type)
	require.Equal(t, "invalid secret", payload.Message)
}

func TestGatewayAuthAcceptsHeaderPair(t *testing.T) {
	ts := newTestServer(t)
	keyID, secret, _ := strings.Cut(ts.token, ".")

	rec := ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", map[string]string{"externalUserId": "ext_1"}, func(r *http.Request) {
		r.Header.Set(HeaderIntegrationKeyID, keyID)
		r.Header.Set(HeaderIntegrationSecret, secret)
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ContinuationURL string `json:"continuationUrl"`
		HostedJoinURL   string `json:"hostedJoinUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, testBaseURL+"/c/"+ts.app.PublicAppID+"/join", resp.HostedJoinURL)
}

func TestStartWaitlistRejectsForeignReturnTo(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", map[string]string{
		"externalUserId": "ext_1",
		"returnTo":       "https://evil.example/phish",
	}, ts.bearer)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	payload := decodeError(t, rec)
	require.Equal(t, "validation_error", payload.Type)
	require.Equal(t, "return_to_not_allowed", payload.Code)
}

func TestPartnerFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", map[string]string{"externalUserId": "ext_1", "email": "a@example.com"}, ts.bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started struct {
		ContinuationURL string `json:"continuationUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	continuation, err := url.Parse(started.ContinuationURL)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, continuation.RequestURI(), nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, testBaseURL+"/c/"+ts.app.PublicAppID+"/join", rec.Header().Get("Location"))
	var prefill *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.PrefillCookieName {
			prefill = cookie
		}
	}
	require.NotNil(t, prefill)

	rec = ts.do(t, http.MethodGet, "/join/"+ts.app.PublicAppID+"/prefill", nil, func(r *http.Request) { r.AddCookie(prefill) })
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "a@example.com")

	rec = ts.do(t, http.MethodGet, continuation.RequestURI(), nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	code := ts.approve(t, "user_1", "ext_1")

	rec = ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": code, "externalUserId": "ext_1", "clientPlatform": "ios"}, ts.bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var exchanged struct {
		Identity   map[string]any `json:"identity"`
		Membership struct {
			Status string `json:"status"`
		} `json:"membership"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exchanged))
	require.Equal(t, "approved", exchanged.Membership.Status)

	rec = ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": code, "externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "state_conflict", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodPost, "/v1/integrations/usage/heartbeat", map[string]string{"externalUserId": "ext_1", "status": "live"}, ts.bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"success":true,"membershipStatus":"approved"}`, rec.Body.String())
}

func TestExchangeStatusCodes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": "nope", "externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusNotFound, rec.Code)

	code := ts.approve(t, "user_1", "ext_1")
	ts.clock.Advance(11 * time.Minute)
	rec = ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": code, "externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusGone, rec.Code)

	code = ts.approve(t, "user_2", "ext_2")
	rec = ts.do(t, http.MethodPost, "/internal/membership-events", map[string]string{
		"communityId": testCommunityID,
		"userId":      "user_2",
		"status":      "pending",
	}, ts.internal)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": code, "externalUserId": "ext_2"}, ts.bearer)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBrowserRedeemEstablishesSession(t *testing.T) {
	ts := newTestServer(t)
	code := ts.approve(t, "user_1", "ext_1")

	rec := ts.do(t, http.MethodGet, "/access/"+code, nil, nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	require.Equal(t, testBaseURL+"/c/"+ts.app.PublicAppID, rec.Header().Get("Location"))

	var sid *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.DefaultCookieName {
			sid = cookie
		}
	}
	require.NotNil(t, sid)
	require.True(t, sid.HttpOnly)

	rec = ts.do(t, http.MethodGet, "/access/"+code, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestWidgetTokenOpensWidgetSession(t *testing.T) {
	ts := newTestServer(t)
	code := ts.approve(t, "user_1", "ext_1")

	rec := ts.do(t, http.MethodPost, "/v1/integrations/chat/widget-token", map[string]string{"externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusNotFound, rec.Code, "widget needs an identity link first")

	rec = ts.do(t, http.MethodPost, "/v1/integrations/access/exchange", map[string]string{"code": code, "externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/integrations/chat/widget-token", map[string]string{"externalUserId": "ext_1"}, ts.bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var issued struct {
		WidgetURL string `json:"widgetUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	widgetURL, err := url.Parse(issued.WidgetURL)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, widgetURL.RequestURI(), nil, nil)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	found := false
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == session.WidgetCookieName {
			found = true
		}
		require.NotEqual(t, session.DefaultCookieName, cookie.Name)
	}
	require.True(t, found)

	ts.clock.Advance(16 * time.Minute)
	rec = ts.do(t, http.MethodGet, widgetURL.RequestURI(), nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireFounder(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.conn.Create(&memberdomain.Membership{
		CommunityID: testCommunityID,
		UserID:      "founder_1",
		Role:        memberdomain.RoleFounder,
		Status:      memberdomain.StatusApproved,
		UpdatedAt:   ts.clock.Now(),
	}).Error)

	path := "/admin/integrations/" + testCommunityID
	rec := ts.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	member := ts.sessionCookie(t, "member_1")
	rec = ts.do(t, http.MethodGet, path, nil, func(r *http.Request) { r.AddCookie(member) })
	require.Equal(t, http.StatusForbidden, rec.Code)

	founder := ts.sessionCookie(t, "founder_1")
	rec = ts.do(t, http.MethodGet, path, nil, func(r *http.Request) { r.AddCookie(founder) })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), ts.app.PublicAppID)

	rec = ts.do(t, http.MethodPost, path+"/keys/rotate", nil, func(r *http.Request) { r.AddCookie(founder) })
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	// The previous key no longer authenticates.
	rec = ts.do(t, http.MethodPost, "/v1/integrations/waitlist/start", nil, ts.bearer)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPatch, path+"/config", map[string]any{"redirect_url": "not a url"}, func(r *http.Request) { r.AddCookie(founder) })
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, path+"/presence/live", nil, func(r *http.Request) { r.AddCookie(founder) })
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestInternalEndpointRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"communityId": testCommunityID, "userId": "user_1", "status": "approved"}

	rec := ts.do(t, http.MethodPost, "/internal/membership-events", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/internal/membership-events", body, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/internal/membership-events", map[string]string{
		"communityId": testCommunityID, "userId": "user_1", "status": "maybe",
	}, ts.internal)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
