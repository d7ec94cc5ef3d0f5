package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/partnergate/internal/gateway/domain"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
)

const (
	redemptionChannelServer  = "server"
	redemptionChannelBrowser = "browser"
)

func (s *Server) StartWaitlist(c *gin.Context) {
	app, ok := appFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req gatewaydomain.StartWaitlistRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gateway.StartWaitlist(c.Request.Context(), app, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ExchangeAccessCode(c *gin.Context) {
	app, ok := appFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req gatewaydomain.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	resp, err := s.gateway.Exchange(ctx, app, req)
	if err != nil {
		s.obsMetrics.RecordCodeRedemption(ctx, redemptionChannelServer, redemptionOutcome(err))
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordCodeRedemption(ctx, redemptionChannelServer, "redeemed")

	c.JSON(http.StatusOK, resp)
}

func (s *Server) UsageHeartbeat(c *gin.Context) {
	app, ok := appFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req gatewaydomain.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	resp, err := s.gateway.Heartbeat(ctx, app, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordHeartbeat(ctx, req.Status, req.ClientPlatform)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) UpdateUserPlan(c *gin.Context) {
	app, ok := appFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	externalUserID := strings.TrimSpace(c.Param("externalUserId"))
	var req gatewaydomain.UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gateway.UpdatePlan(c.Request.Context(), app, externalUserID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) IssueWidgetToken(c *gin.Context) {
	app, ok := appFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req gatewaydomain.WidgetTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gateway.IssueWidgetToken(c.Request.Context(), app, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// bindOptionalJSON accepts an empty body as the zero value.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}

func redemptionOutcome(err error) string {
	ge, ok := gatewayerr.As(err)
	if !ok {
		return "error"
	}
	switch {
	case ge.Kind == gatewayerr.KindStateConflict && ge.Gone:
		return "expired"
	case ge.Kind == gatewayerr.KindStateConflict:
		return "conflict"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return string(ge.Kind)
	}
}
