package service

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	coderepo "github.com/smallbiznis/partnergate/internal/accesscode/repository"
	codeservice "github.com/smallbiznis/partnergate/internal/accesscode/service"
	"github.com/smallbiznis/partnergate/internal/appcontext"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	gatewaydomain "github.com/smallbiznis/partnergate/internal/gateway/domain"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
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
)

const baseURL = "https://community.example.com"

type sentEvent struct {
	AppID snowflake.ID
	Type  string
	Data  map[string]any
}

// recordedWebhooks stands in for the dispatcher; delivery itself is covered
// by the webhook package.
type recordedWebhooks struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recordedWebhooks) Deliver(ctx context.Context, appID snowflake.ID, eventType string, data any) (*hookdomain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, _ := data.(map[string]any)
	r.events = append(r.events, sentEvent{AppID: appID, Type: eventType, Data: payload})
	return &hookdomain.Delivery{}, nil
}

func (r *recordedWebhooks) RetryDue(ctx context.Context, limit int) (hookdomain.SweepResult, error) {
	return hookdomain.SweepResult{}, nil
}

func (r *recordedWebhooks) Redeliver(ctx context.Context, appID, deliveryID snowflake.ID) (*hookdomain.Delivery, error) {
	return nil, hookdomain.ErrDeliveryNotFound
}

func (r *recordedWebhooks) List(ctx context.Context, appID snowflake.ID, page pagination.Pagination) ([]hookdomain.DeliveryResponse, *pagination.PageInfo, error) {
	return nil, nil, nil
}

func (r *recordedWebhooks) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordedWebhooks) last(eventType string) *sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

type fixture struct {
	svc       *Service
	apps      appdomain.Service
	directory memberdomain.Directory
	presence  presencedomain.Service
	webhooks  *recordedWebhooks
	clock     *clock.FakeClock
	app       appcontext.AppContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

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
	cfg := config.Config{PublicBaseURL: baseURL, SecretEncryptionKey: "test-encryption-key"}

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
	webhooks := &recordedWebhooks{}

	svc := New(Params{
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
	}).(*Service)

	app, err := apps.Ensure(context.Background(), appdomain.EnsureRequest{CommunityID: "c_1", DisplayName: "Lounge"})
	require.NoError(t, err)

	return &fixture{
		svc:       svc,
		apps:      apps,
		directory: directory,
		presence:  presence,
		webhooks:  webhooks,
		clock:     fake,
		app: appcontext.AppContext{
			IntegrationAppID: app.ID,
			AppSpaceID:       app.CommunityID,
			PublicAppID:      app.PublicAppID,
		},
	}
}

// approve runs an approval event and returns the plaintext access code.
func (f *fixture) approve(t *testing.T, userID, externalUserID string) string {
	t.Helper()
	result, err := f.svc.ApplyMembershipEvent(context.Background(), gatewaydomain.MembershipEvent{
		CommunityID:    f.app.AppSpaceID,
		UserID:         userID,
		Status:         memberdomain.StatusApproved,
		ExternalUserID: externalUserID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.AccessURL)
	return strings.TrimPrefix(result.AccessURL, baseURL+"/access/")
}

func TestWaitlistToExchangeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.svc.StartWaitlist(ctx, f.app, gatewaydomain.StartWaitlistRequest{ExternalUserID: "ext_1"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(started.ContinuationURL, baseURL+"/join/"+f.app.PublicAppID+"?intent="))
	require.Equal(t, baseURL+"/c/"+f.app.PublicAppID+"/join", started.HostedJoinURL)
	require.Equal(t, baseURL+"/c/"+f.app.PublicAppID, started.CommunityURL)

	parsed, err := url.Parse(started.ContinuationURL)
	require.NoError(t, err)
	joined, err := f.svc.ResolveJoin(ctx, f.app.PublicAppID, parsed.Query().Get("intent"))
	require.NoError(t, err)
	require.Equal(t, "ext_1", joined.ExternalUserID)
	require.Equal(t, started.HostedJoinURL, joined.RedirectURL)

	code := f.approve(t, "user_1", "ext_1")
	require.Equal(t, []string{hookdomain.EventAccessCodeIssued, hookdomain.EventMembershipApproved}, f.webhooks.types())

	exchanged, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1", ClientPlatform: "ios"})
	require.NoError(t, err)
	require.Equal(t, "approved", exchanged.Membership.Status)
	require.Equal(t, "user_1", exchanged.Identity.UserID)
	require.Equal(t, "ext_1", exchanged.Identity.ExternalUserID)

	_, err = f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.ErrorIs(t, err, codedomain.ErrCodeRedeemed)

	live, err := f.presence.ListLive(ctx, f.app.AppSpaceID, 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "user_1", live[0].UserID)
}

func TestResolveJoinRejectsReuseAndForeignApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.svc.StartWaitlist(ctx, f.app, gatewaydomain.StartWaitlistRequest{Email: "a@example.com"})
	require.NoError(t, err)
	parsed, err := url.Parse(started.ContinuationURL)
	require.NoError(t, err)
	token := parsed.Query().Get("intent")

	other, err := f.apps.Ensure(ctx, appdomain.EnsureRequest{CommunityID: "c_2", DisplayName: "Other"})
	require.NoError(t, err)
	_, err = f.svc.ResolveJoin(ctx, other.PublicAppID, token)
	require.ErrorIs(t, err, codedomain.ErrIntentNotFound)

	// The wrong path did not burn the intent.
	joined, err := f.svc.ResolveJoin(ctx, f.app.PublicAppID, token)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", joined.Email)

	_, err = f.svc.ResolveJoin(ctx, f.app.PublicAppID, token)
	require.ErrorIs(t, err, codedomain.ErrIntentConsumed)

	_, err = f.svc.ResolveJoin(ctx, f.app.PublicAppID, "")
	require.ErrorIs(t, err, gatewaydomain.ErrIntentRequired)
}

func TestStartWaitlistRestrictsReturnTo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	redirect := "https://app.partner.example/welcome"
	_, err := f.apps.UpdateConfig(ctx, f.app.AppSpaceID, appdomain.UpdateConfigRequest{
		RedirectURL:    &redirect,
		AllowedOrigins: []string{"https://www.partner.example"},
	})
	require.NoError(t, err)

	for _, returnTo := range []string{
		"https://evil.example/phish",
		"javascript:alert(1)",
		"/relative/path",
		"https://app.partner.example.evil.example/",
	} {
		_, err := f.svc.StartWaitlist(ctx, f.app, gatewaydomain.StartWaitlistRequest{Email: "a@example.com", ReturnTo: returnTo})
		require.ErrorIs(t, err, gatewaydomain.ErrReturnToNotAllowed, returnTo)
		require.Equal(t, gatewayerr.KindValidation, gatewayerr.KindOf(err))
	}

	for _, returnTo := range []string{
		"https://www.partner.example/account",
		"https://app.partner.example/back?to=home",
	} {
		started, err := f.svc.StartWaitlist(ctx, f.app, gatewaydomain.StartWaitlistRequest{Email: "a@example.com", ReturnTo: returnTo})
		require.NoError(t, err, returnTo)

		parsed, err := url.Parse(started.ContinuationURL)
		require.NoError(t, err)
		joined, err := f.svc.ResolveJoin(ctx, f.app.PublicAppID, parsed.Query().Get("intent"))
		require.NoError(t, err)
		require.Equal(t, returnTo, joined.ReturnTo)
	}
}

func TestExchangeRefusesUnapprovedMemberWithoutConsumingCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	require.NoError(t, f.directory.SetStatus(ctx, f.app.AppSpaceID, "user_1", memberdomain.StatusPending))

	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.ErrorIs(t, err, memberdomain.ErrNotApproved)

	require.NoError(t, f.directory.SetStatus(ctx, f.app.AppSpaceID, "user_1", memberdomain.StatusApproved))
	_, err = f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.NoError(t, err)
}

func TestExchangeExpiredAndUnknownCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	f.clock.Advance(codedomain.CodeTTL + time.Second)

	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.ErrorIs(t, err, codedomain.ErrCodeExpired)

	_, err = f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: "nope", ExternalUserID: "ext_1"})
	require.ErrorIs(t, err, codedomain.ErrCodeNotFound)

	_, err = f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code})
	require.ErrorIs(t, err, linkdomain.ErrExternalUserRequired)
}

func TestRevocationExpiresOutstandingCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")

	result, err := f.svc.ApplyMembershipEvent(ctx, gatewaydomain.MembershipEvent{
		CommunityID: f.app.AppSpaceID,
		UserID:      "user_1",
		Status:      memberdomain.StatusBanned,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.ExpiredCodes)
	require.NotNil(t, f.webhooks.last(hookdomain.EventMembershipRejected))

	_, err = f.svc.RedeemBrowser(ctx, code, "")
	require.ErrorIs(t, err, codedomain.ErrCodeExpired)
}

func TestRedeemBrowserRedirectRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "")
	redeemed, err := f.svc.RedeemBrowser(ctx, code, "")
	require.NoError(t, err)
	require.Equal(t, baseURL+"/c/"+f.app.PublicAppID, redeemed.RedirectURL)
	require.Equal(t, "user_1", redeemed.UserID)

	_, err = f.svc.RedeemBrowser(ctx, code, "")
	require.ErrorIs(t, err, codedomain.ErrCodeRedeemed)

	enabled := true
	redirect := "https://partner.example.com/welcome"
	deepLink := "partnerapp://welcome"
	_, err = f.apps.UpdateConfig(ctx, f.app.AppSpaceID, appdomain.UpdateConfigRequest{
		RedirectEnabled:   &enabled,
		RedirectURL:       &redirect,
		MobileDeepLinkURL: &deepLink,
	})
	require.NoError(t, err)

	web, err := f.svc.RedeemBrowser(ctx, f.approve(t, "user_2", ""), "")
	require.NoError(t, err)
	require.Equal(t, redirect, web.RedirectURL)

	mobile, err := f.svc.RedeemBrowser(ctx, f.approve(t, "user_3", ""), "mobile")
	require.NoError(t, err)
	require.Equal(t, deepLink, mobile.RedirectURL)
}

func TestHeartbeatReportsMembershipAndLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.NoError(t, err)

	resp, err := f.svc.Heartbeat(ctx, f.app, gatewaydomain.HeartbeatRequest{ExternalUserID: "ext_1", Status: "live"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "approved", resp.MembershipStatus)

	f.clock.Advance(30 * time.Second)
	live, err := f.presence.ListLive(ctx, f.app.AppSpaceID, presencedomain.LivenessWindow)
	require.NoError(t, err)
	require.Len(t, live, 1)

	f.clock.Advance(30 * time.Second)
	live, err = f.presence.ListLive(ctx, f.app.AppSpaceID, presencedomain.LivenessWindow)
	require.NoError(t, err)
	require.Empty(t, live)

	_, err = f.svc.Heartbeat(ctx, f.app, gatewaydomain.HeartbeatRequest{ExternalUserID: "ext_unknown", Status: "live"})
	require.ErrorIs(t, err, linkdomain.ErrLinkNotFound)
}

func TestUpdatePlanEmitsMismatchForUnapprovedMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.NoError(t, err)

	resp, err := f.svc.UpdatePlan(ctx, f.app, "ext_1", gatewaydomain.UpdatePlanRequest{PlanTier: "pro"})
	require.NoError(t, err)
	require.False(t, resp.Mismatch)
	require.Nil(t, f.webhooks.last(hookdomain.EventPlanMismatch))

	require.NoError(t, f.directory.SetStatus(ctx, f.app.AppSpaceID, "user_1", memberdomain.StatusRejected))
	resp, err = f.svc.UpdatePlan(ctx, f.app, "ext_1", gatewaydomain.UpdatePlanRequest{PlanTier: "team"})
	require.NoError(t, err)
	require.True(t, resp.Mismatch)
	require.Equal(t, "team", resp.Identity.CurrentPlanTier)

	event := f.webhooks.last(hookdomain.EventPlanMismatch)
	require.NotNil(t, event)
	require.Equal(t, "rejected", event.Data["membershipStatus"])
	require.Equal(t, f.app.IntegrationAppID, event.AppID)
}

func TestWidgetTokenRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.NoError(t, err)

	issued, err := f.svc.IssueWidgetToken(ctx, f.app, gatewaydomain.WidgetTokenRequest{ExternalUserID: "ext_1"})
	require.NoError(t, err)
	require.Equal(t, baseURL+"/widget/"+issued.Token, issued.WidgetURL)
	require.True(t, issued.ExpiresAt.Equal(f.clock.Now().Add(widgettoken.TTL)))

	session, err := f.svc.VerifyWidget(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "user_1", session.UserID)
	require.Equal(t, baseURL+"/c/"+f.app.PublicAppID+"/widget", session.RedirectURL)

	f.clock.Advance(widgettoken.TTL)
	_, err = f.svc.VerifyWidget(ctx, issued.Token)
	require.ErrorIs(t, err, widgettoken.ErrExpired)
}

func TestWidgetTokenRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code := f.approve(t, "user_1", "ext_1")
	_, err := f.svc.Exchange(ctx, f.app, gatewaydomain.ExchangeRequest{Code: code, ExternalUserID: "ext_1"})
	require.NoError(t, err)
	require.NoError(t, f.directory.SetStatus(ctx, f.app.AppSpaceID, "user_1", memberdomain.StatusBanned))

	_, err = f.svc.IssueWidgetToken(ctx, f.app, gatewaydomain.WidgetTokenRequest{ExternalUserID: "ext_1"})
	require.ErrorIs(t, err, memberdomain.ErrNotApproved)
}

func TestMembershipEventWithoutIntegrationOnlyRecordsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.ApplyMembershipEvent(ctx, gatewaydomain.MembershipEvent{
		CommunityID: "c_without_app",
		UserID:      "user_9",
		Status:      memberdomain.StatusApproved,
	})
	require.NoError(t, err)
	require.Empty(t, result.AccessURL)
	require.Empty(t, f.webhooks.types())

	status, err := f.directory.Status(ctx, "c_without_app", "user_9")
	require.NoError(t, err)
	require.Equal(t, memberdomain.StatusApproved, status)
}
