package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	"github.com/smallbiznis/partnergate/internal/observability/logger"
	"go.uber.org/zap"
)

// ResolveJoin consumes a waitlist intent, stores the prefill cookie and sends
// the browser to the hosted join form. Without an intent it goes straight
// to the form.
func (s *Server) ResolveJoin(c *gin.Context) {
	ctx := c.Request.Context()
	publicAppID := strings.TrimSpace(c.Param("publicAppId"))
	intent := strings.TrimSpace(c.Query("intent"))

	if intent == "" {
		app, err := s.apps.GetByPublicID(ctx, publicAppID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Redirect(http.StatusFound, s.publicURL("c", app.PublicAppID, "join"))
		return
	}

	resolution, err := s.gateway.ResolveJoin(ctx, publicAppID, intent)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessions.SetPrefill(c, session.Prefill{
		PublicAppID:    resolution.PublicAppID,
		ExternalUserID: resolution.ExternalUserID,
		Email:          resolution.Email,
		Phone:          resolution.Phone,
		ReturnTo:       resolution.ReturnTo,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Redirect(http.StatusFound, resolution.RedirectURL)
}

// GetJoinPrefill lets the hosted join form read the prefill it was sent with.
func (s *Server) GetJoinPrefill(c *gin.Context) {
	prefill, err := s.sessions.ReadPrefill(c)
	if err != nil || prefill.PublicAppID != strings.TrimSpace(c.Param("publicAppId")) {
		c.JSON(http.StatusOK, gin.H{"prefill": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"prefill": gin.H{
			"externalUserId": prefill.ExternalUserID,
			"email":          prefill.Email,
			"phone":          prefill.Phone,
			"returnTo":       prefill.ReturnTo,
		},
	})
}

// RedeemAccessCode is the browser handoff. The code is consumed through the
// same guard as the server exchange.
func (s *Server) RedeemAccessCode(c *gin.Context) {
	ctx := c.Request.Context()
	redemption, err := s.gateway.RedeemBrowser(ctx, c.Param("code"), c.Query("platform"))
	if err != nil {
		s.obsMetrics.RecordCodeRedemption(ctx, redemptionChannelBrowser, redemptionOutcome(err))
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordCodeRedemption(ctx, redemptionChannelBrowser, "redeemed")

	if err := s.sessions.Establish(c, session.Claims{
		UserID:      redemption.UserID,
		CommunityID: redemption.CommunityID,
		AppID:       redemption.AppID,
		Scope:       session.ScopeFull,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("browser session established from access code",
		zap.String("community_id", redemption.CommunityID),
		zap.String("user_id", redemption.UserID),
	)
	c.Redirect(http.StatusFound, redemption.RedirectURL)
}

// OpenWidget exchanges a widget token for a widget-scoped session.
func (s *Server) OpenWidget(c *gin.Context) {
	widget, err := s.gateway.VerifyWidget(c.Request.Context(), c.Param("token"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.sessions.Establish(c, session.Claims{
		UserID:      widget.UserID,
		CommunityID: widget.CommunityID,
		AppID:       widget.AppID,
		Scope:       session.ScopeWidget,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Redirect(http.StatusFound, widget.RedirectURL)
}

func (s *Server) publicURL(segments ...string) string {
	base := strings.TrimRight(strings.TrimSpace(s.cfg.PublicBaseURL), "/")
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return base + "/" + strings.Join(escaped, "/")
}
