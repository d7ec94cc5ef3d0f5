package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	"github.com/smallbiznis/partnergate/internal/appcontext"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	gatewaydomain "github.com/smallbiznis/partnergate/internal/gateway/domain"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"github.com/smallbiznis/partnergate/internal/widgettoken"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	Apps      appdomain.Service
	Codes     codedomain.Service
	Links     linkdomain.Service
	Presence  presencedomain.Service
	Directory memberdomain.Directory
	Webhooks  hookdomain.Service
	Widgets   *widgettoken.Signer
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	baseURL   string
	apps      appdomain.Service
	codes     codedomain.Service
	links     linkdomain.Service
	presence  presencedomain.Service
	directory memberdomain.Directory
	webhooks  hookdomain.Service
	widgets   *widgettoken.Signer
}

func New(p Params) gatewaydomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("gateway.service"),
		clock:     p.Clock,
		baseURL:   strings.TrimRight(p.Cfg.PublicBaseURL, "/"),
		apps:      p.Apps,
		codes:     p.Codes,
		links:     p.Links,
		presence:  p.Presence,
		directory: p.Directory,
		webhooks:  p.Webhooks,
		widgets:   p.Widgets,
	}
}

func (s *Service) StartWaitlist(ctx context.Context, app appcontext.AppContext, req gatewaydomain.StartWaitlistRequest) (*gatewaydomain.StartWaitlistResponse, error) {
	returnTo := strings.TrimSpace(req.ReturnTo)
	if returnTo != "" {
		integration, err := s.apps.GetByID(ctx, app.IntegrationAppID)
		if err != nil {
			return nil, err
		}
		if !integration.AllowsReturnTo(returnTo) {
			return nil, gatewaydomain.ErrReturnToNotAllowed
		}
	}

	issued, err := s.codes.StartIntent(ctx, app.IntegrationAppID, codedomain.StartIntentRequest{
		ExternalUserID: req.ExternalUserID,
		Email:          req.Email,
		Phone:          req.Phone,
		ReturnTo:       returnTo,
	})
	if err != nil {
		return nil, err
	}

	return &gatewaydomain.StartWaitlistResponse{
		ContinuationURL: s.joinURL(app.PublicAppID) + "?intent=" + url.QueryEscape(issued.Token),
		HostedJoinURL:   s.hostedJoinURL(app.PublicAppID),
		CommunityURL:    s.communityURL(app.PublicAppID),
		ExpiresAt:       issued.Intent.ExpiresAt,
	}, nil
}

// ResolveJoin consumes the intent carried by a continuation URL. The intent
// must belong to the app named in the path.
func (s *Service) ResolveJoin(ctx context.Context, publicAppID, intentToken string) (*gatewaydomain.JoinResolution, error) {
	if strings.TrimSpace(intentToken) == "" {
		return nil, gatewaydomain.ErrIntentRequired
	}
	app, err := s.apps.GetByPublicID(ctx, publicAppID)
	if err != nil {
		return nil, err
	}

	intent, err := s.codes.ConsumeIntent(ctx, app.ID, intentToken)
	if err != nil {
		if errors.Is(err, codedomain.ErrIntentNotFound) {
			s.log.Warn("waitlist intent not found for app", zap.String("public_app_id", app.PublicAppID))
		}
		return nil, err
	}

	return &gatewaydomain.JoinResolution{
		PublicAppID:    app.PublicAppID,
		ExternalUserID: intent.ExternalUserID,
		Email:          intent.Email,
		Phone:          intent.Phone,
		ReturnTo:       intent.ReturnTo,
		RedirectURL:    s.hostedJoinURL(app.PublicAppID),
	}, nil
}

// Exchange redeems an access code for the partner. Membership is checked
// before the guarded update so a refused exchange leaves the code usable.
func (s *Service) Exchange(ctx context.Context, app appcontext.AppContext, req gatewaydomain.ExchangeRequest) (*gatewaydomain.ExchangeResponse, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, gatewaydomain.ErrCodeRequired
	}
	externalUserID := strings.TrimSpace(req.ExternalUserID)
	if externalUserID == "" {
		return nil, linkdomain.ErrExternalUserRequired
	}

	code, err := s.codes.Lookup(ctx, req.Code, app.IntegrationAppID)
	if err != nil {
		return nil, err
	}
	if err := s.requireApproved(ctx, app.AppSpaceID, code.UserID); err != nil {
		return nil, err
	}

	var link *linkdomain.Link
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		redeemed, err := s.codes.WithTx(tx).Redeem(ctx, req.Code, app.IntegrationAppID)
		if err != nil {
			return err
		}
		link, err = s.links.WithTx(tx).Upsert(ctx, linkdomain.UpsertRequest{
			AppID:          app.IntegrationAppID,
			ExternalUserID: externalUserID,
			UserID:         redeemed.UserID,
			ClientPlatform: req.ClientPlatform,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.seedPresence(ctx, app.AppSpaceID, link.UserID, req.ClientPlatform)

	s.log.Info("access code exchanged",
		zap.String("integration_app_id", app.IntegrationAppID.String()),
		zap.String("external_user_id", externalUserID),
		zap.String("user_id", link.UserID),
	)

	return &gatewaydomain.ExchangeResponse{
		Identity:   linkdomain.ToResponse(link),
		Membership: gatewaydomain.MembershipView{Status: string(memberdomain.StatusApproved)},
	}, nil
}

// RedeemBrowser consumes a code followed from a browser link.
func (s *Service) RedeemBrowser(ctx context.Context, code, platform string) (*gatewaydomain.BrowserRedemption, error) {
	if strings.TrimSpace(code) == "" {
		return nil, gatewaydomain.ErrCodeRequired
	}

	record, err := s.codes.Lookup(ctx, code, 0)
	if err != nil {
		return nil, err
	}
	app, err := s.apps.GetByID(ctx, record.AppID)
	if err != nil {
		return nil, err
	}
	if err := s.requireApproved(ctx, app.CommunityID, record.UserID); err != nil {
		return nil, err
	}

	redeemed, err := s.codes.Redeem(ctx, code, app.ID)
	if err != nil {
		return nil, err
	}

	s.seedPresence(ctx, app.CommunityID, redeemed.UserID, platform)

	return &gatewaydomain.BrowserRedemption{
		UserID:      redeemed.UserID,
		CommunityID: app.CommunityID,
		AppID:       app.ID.String(),
		RedirectURL: s.redirectFor(app, platform),
	}, nil
}

func (s *Service) Heartbeat(ctx context.Context, app appcontext.AppContext, req gatewaydomain.HeartbeatRequest) (*gatewaydomain.HeartbeatResponse, error) {
	link, err := s.links.Find(ctx, app.IntegrationAppID, req.ExternalUserID)
	if err != nil {
		return nil, err
	}

	if _, err := s.presence.Heartbeat(ctx, presencedomain.HeartbeatRequest{
		CommunityID:    app.AppSpaceID,
		UserID:         link.UserID,
		Status:         req.Status,
		ClientPlatform: req.ClientPlatform,
	}); err != nil {
		return nil, err
	}

	status, err := s.directory.Status(ctx, app.AppSpaceID, link.UserID)
	if err != nil {
		return nil, err
	}
	return &gatewaydomain.HeartbeatResponse{Success: true, MembershipStatus: string(status)}, nil
}

// UpdatePlan caches the partner's plan tier. A member who is not approved
// triggers a plan.mismatch event instead of an error.
func (s *Service) UpdatePlan(ctx context.Context, app appcontext.AppContext, externalUserID string, req gatewaydomain.UpdatePlanRequest) (*gatewaydomain.UpdatePlanResponse, error) {
	link, err := s.links.UpdatePlanTier(ctx, app.IntegrationAppID, externalUserID, req.PlanTier)
	if err != nil {
		return nil, err
	}

	status, err := s.directory.Status(ctx, app.AppSpaceID, link.UserID)
	if err != nil {
		return nil, err
	}

	mismatch := status != memberdomain.StatusApproved
	if mismatch {
		s.emit(ctx, app.IntegrationAppID, hookdomain.EventPlanMismatch, map[string]any{
			"externalUserId":   link.ExternalUserID,
			"userId":           link.UserID,
			"planTier":         link.CurrentPlanTier,
			"membershipStatus": string(status),
		})
	}

	return &gatewaydomain.UpdatePlanResponse{
		Identity:         linkdomain.ToResponse(link),
		MembershipStatus: string(status),
		Mismatch:         mismatch,
	}, nil
}

func (s *Service) IssueWidgetToken(ctx context.Context, app appcontext.AppContext, req gatewaydomain.WidgetTokenRequest) (*gatewaydomain.WidgetTokenResponse, error) {
	link, err := s.links.Find(ctx, app.IntegrationAppID, req.ExternalUserID)
	if err != nil {
		return nil, err
	}
	if err := s.requireApproved(ctx, app.AppSpaceID, link.UserID); err != nil {
		return nil, err
	}

	token, payload, err := s.widgets.Issue(app.IntegrationAppID.String(), link.UserID, app.AppSpaceID)
	if err != nil {
		return nil, err
	}

	return &gatewaydomain.WidgetTokenResponse{
		WidgetURL: s.baseURL + "/widget/" + token,
		Token:     token,
		ExpiresAt: payload.Expiry(),
	}, nil
}

// VerifyWidget checks the token and that the member is still approved.
func (s *Service) VerifyWidget(ctx context.Context, token string) (*gatewaydomain.WidgetSession, error) {
	payload, err := s.widgets.Verify(token)
	if err != nil {
		return nil, err
	}

	appID, err := snowflake.ParseString(payload.AppID)
	if err != nil {
		return nil, widgettoken.ErrMalformed
	}
	app, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := s.requireApproved(ctx, payload.CommunityID, payload.UserID); err != nil {
		return nil, err
	}

	return &gatewaydomain.WidgetSession{
		UserID:      payload.UserID,
		CommunityID: payload.CommunityID,
		AppID:       payload.AppID,
		RedirectURL: s.communityURL(app.PublicAppID) + "/widget",
	}, nil
}

func (s *Service) ApplyMembershipEvent(ctx context.Context, event gatewaydomain.MembershipEvent) (*gatewaydomain.MembershipEventResult, error) {
	if err := s.directory.SetStatus(ctx, event.CommunityID, event.UserID, event.Status); err != nil {
		return nil, err
	}
	result := &gatewaydomain.MembershipEventResult{Status: string(event.Status)}

	app, err := s.apps.GetByCommunityID(ctx, event.CommunityID)
	if errors.Is(err, appdomain.ErrAppNotFound) {
		// Communities without an integration only track status.
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	switch event.Status {
	case memberdomain.StatusApproved:
		issued, err := s.codes.Issue(ctx, app.ID, event.UserID)
		if err != nil {
			return nil, err
		}
		accessURL := s.baseURL + "/access/" + url.PathEscape(issued.Code)
		expiresAt := issued.Record.ExpiresAt
		result.AccessURL = accessURL
		result.CodeExpiresAt = &expiresAt

		s.emit(ctx, app.ID, hookdomain.EventAccessCodeIssued, map[string]any{
			"userId":         event.UserID,
			"externalUserId": event.ExternalUserID,
			"code":           issued.Code,
			"accessUrl":      accessURL,
			"expiresAt":      expiresAt.UTC().Format(time.RFC3339),
		})
		s.emit(ctx, app.ID, hookdomain.EventMembershipApproved, map[string]any{
			"userId":         event.UserID,
			"externalUserId": event.ExternalUserID,
			"communityId":    app.CommunityID,
			"communityUrl":   s.communityURL(app.PublicAppID),
		})

	case memberdomain.StatusRejected, memberdomain.StatusBanned:
		count, err := s.codes.ExpireIssuedForUser(ctx, app.ID, event.UserID)
		if err != nil {
			return nil, err
		}
		result.ExpiredCodes = count

		s.emit(ctx, app.ID, hookdomain.EventMembershipRejected, map[string]any{
			"userId":         event.UserID,
			"externalUserId": event.ExternalUserID,
			"communityId":    app.CommunityID,
			"status":         string(event.Status),
		})
	}

	return result, nil
}

func (s *Service) requireApproved(ctx context.Context, communityID, userID string) error {
	status, err := s.directory.Status(ctx, communityID, userID)
	if err != nil {
		return err
	}
	if status != memberdomain.StatusApproved {
		return memberdomain.ErrNotApproved
	}
	return nil
}

// seedPresence marks the member live. The redemption has already committed,
// so a failure here is logged rather than returned.
func (s *Service) seedPresence(ctx context.Context, communityID, userID, platform string) {
	if _, err := s.presence.Heartbeat(ctx, presencedomain.HeartbeatRequest{
		CommunityID:    communityID,
		UserID:         userID,
		Status:         string(presencedomain.StatusLive),
		ClientPlatform: platform,
	}); err != nil {
		s.log.Warn("failed to seed presence", zap.String("user_id", userID), zap.Error(err))
	}
}

// emit delivers an event. Failed attempts are retried by the sweep and
// configuration gaps are already surfaced by the dispatcher.
func (s *Service) emit(ctx context.Context, appID snowflake.ID, eventType string, data map[string]any) {
	if _, err := s.webhooks.Deliver(ctx, appID, eventType, data); err != nil {
		s.log.Warn("webhook not delivered",
			zap.String("integration_app_id", appID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) redirectFor(app *appdomain.App, platform string) string {
	if strings.EqualFold(strings.TrimSpace(platform), gatewaydomain.PlatformMobile) && app.MobileDeepLinkURL != "" {
		return app.MobileDeepLinkURL
	}
	if app.RedirectEnabled && app.RedirectURL != "" {
		return app.RedirectURL
	}
	return s.communityURL(app.PublicAppID)
}

func (s *Service) joinURL(publicAppID string) string {
	return s.baseURL + "/join/" + url.PathEscape(publicAppID)
}

func (s *Service) hostedJoinURL(publicAppID string) string {
	return s.communityURL(publicAppID) + "/join"
}

func (s *Service) communityURL(publicAppID string) string {
	return s.baseURL + "/c/" + url.PathEscape(publicAppID)
}
