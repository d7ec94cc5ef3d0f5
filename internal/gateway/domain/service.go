// Package domain describes the partner-facing gateway operations that
// compose the access-code ledger, identity links, presence and webhooks.
package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/partnergate/internal/appcontext"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	linkdomain "github.com/smallbiznis/partnergate/internal/identitylink/domain"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
)

type Service interface {
	StartWaitlist(ctx context.Context, app appcontext.AppContext, req StartWaitlistRequest) (*StartWaitlistResponse, error)
	ResolveJoin(ctx context.Context, publicAppID, intentToken string) (*JoinResolution, error)

	Exchange(ctx context.Context, app appcontext.AppContext, req ExchangeRequest) (*ExchangeResponse, error)
	RedeemBrowser(ctx context.Context, code, platform string) (*BrowserRedemption, error)

	Heartbeat(ctx context.Context, app appcontext.AppContext, req HeartbeatRequest) (*HeartbeatResponse, error)
	UpdatePlan(ctx context.Context, app appcontext.AppContext, externalUserID string, req UpdatePlanRequest) (*UpdatePlanResponse, error)

	IssueWidgetToken(ctx context.Context, app appcontext.AppContext, req WidgetTokenRequest) (*WidgetTokenResponse, error)
	VerifyWidget(ctx context.Context, token string) (*WidgetSession, error)

	// ApplyMembershipEvent records a status change from the waitlist workflow
	// and runs the gateway side effects for it.
	ApplyMembershipEvent(ctx context.Context, event MembershipEvent) (*MembershipEventResult, error)
}

const PlatformMobile = "mobile"

type StartWaitlistRequest struct {
	ExternalUserID string `json:"externalUserId"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	ReturnTo       string `json:"returnTo"`
}

type StartWaitlistResponse struct {
	ContinuationURL string    `json:"continuationUrl"`
	HostedJoinURL   string    `json:"hostedJoinUrl"`
	CommunityURL    string    `json:"communityUrl"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// JoinResolution is what the hosted join form is prefilled with.
type JoinResolution struct {
	PublicAppID    string
	ExternalUserID string
	Email          string
	Phone          string
	ReturnTo       string
	RedirectURL    string
}

type ExchangeRequest struct {
	Code           string `json:"code"`
	ExternalUserID string `json:"externalUserId"`
	ClientPlatform string `json:"clientPlatform"`
}

type MembershipView struct {
	Status string `json:"status"`
}

type ExchangeResponse struct {
	Identity   linkdomain.LinkResponse `json:"identity"`
	Membership MembershipView          `json:"membership"`
}

// BrowserRedemption is the outcome of a browser code redemption. The caller
// establishes the session and follows RedirectURL.
type BrowserRedemption struct {
	UserID      string
	CommunityID string
	AppID       string
	RedirectURL string
}

type HeartbeatRequest struct {
	ExternalUserID string `json:"externalUserId"`
	Status         string `json:"status"`
	ClientPlatform string `json:"clientPlatform"`
}

type HeartbeatResponse struct {
	Success          bool   `json:"success"`
	MembershipStatus string `json:"membershipStatus"`
}

type UpdatePlanRequest struct {
	PlanTier string `json:"planTier"`
}

type UpdatePlanResponse struct {
	Identity         linkdomain.LinkResponse `json:"identity"`
	MembershipStatus string                  `json:"membershipStatus"`
	Mismatch         bool                    `json:"mismatch"`
}

type WidgetTokenRequest struct {
	ExternalUserID string `json:"externalUserId"`
}

type WidgetTokenResponse struct {
	WidgetURL string    `json:"widgetUrl"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type WidgetSession struct {
	UserID      string
	CommunityID string
	AppID       string
	RedirectURL string
}

type MembershipEvent struct {
	CommunityID    string              `json:"communityId"`
	UserID         string              `json:"userId"`
	Status         memberdomain.Status `json:"status"`
	ExternalUserID string              `json:"externalUserId"`
}

type MembershipEventResult struct {
	Status        string     `json:"status"`
	AccessURL     string     `json:"accessUrl,omitempty"`
	CodeExpiresAt *time.Time `json:"codeExpiresAt,omitempty"`
	ExpiredCodes  int64      `json:"expiredCodes"`
}

var (
	ErrCodeRequired   = gatewayerr.Validation("code_required", "code is required")
	ErrIntentRequired = gatewayerr.Validation("intent_required", "intent is required")

	ErrReturnToNotAllowed = gatewayerr.Validation("return_to_not_allowed", "returnTo must point at an allowed origin or the redirect url")
)
