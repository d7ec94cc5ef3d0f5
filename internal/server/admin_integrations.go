package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"github.com/smallbiznis/partnergate/pkg/db/pagination"
)

type ensureIntegrationRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) EnsureIntegration(c *gin.Context) {
	var req ensureIntegrationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	app, err := s.apps.Ensure(c.Request.Context(), appdomain.EnsureRequest{
		CommunityID: c.Param("communityId"),
		DisplayName: strings.TrimSpace(req.DisplayName),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": appdomain.ToResponse(app)})
}

func (s *Server) GetIntegration(c *gin.Context) {
	app, err := s.apps.GetByCommunityID(c.Request.Context(), c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": appdomain.ToResponse(app)})
}

func (s *Server) UpdateIntegrationConfig(c *gin.Context) {
	var req appdomain.UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	app, err := s.apps.UpdateConfig(c.Request.Context(), c.Param("communityId"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Origins may have changed.
	s.origins.Delete("all")

	c.JSON(http.StatusOK, gin.H{"data": appdomain.ToResponse(app)})
}

func (s *Server) ListIntegrationKeys(c *gin.Context) {
	keys, err := s.apps.ListKeys(c.Request.Context(), c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// RotateIntegrationKey returns the new secret. It is never shown again.
func (s *Server) RotateIntegrationKey(c *gin.Context) {
	secret, err := s.apps.RotateKey(c.Request.Context(), c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{"data": secret})
}

func (s *Server) RotateWebhookSecret(c *gin.Context) {
	secret, err := s.apps.RotateWebhookSecret(c.Request.Context(), c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{"data": secret})
}

func (s *Server) ListWebhookDeliveries(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	app, err := s.apps.GetByCommunityID(ctx, c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, pageInfo, err := s.webhooks.List(ctx, app.ID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      items,
		"page_info": pageInfo,
	})
}

func (s *Server) RedeliverWebhook(c *gin.Context) {
	deliveryID, err := snowflake.ParseString(strings.TrimSpace(c.Param("deliveryId")))
	if err != nil {
		AbortWithError(c, hookdomain.ErrDeliveryNotFound)
		return
	}

	ctx := c.Request.Context()
	app, err := s.apps.GetByCommunityID(ctx, c.Param("communityId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	delivery, err := s.webhooks.Redeliver(ctx, app.ID, deliveryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": hookdomain.ToResponse(delivery)})
}

func (s *Server) ListLivePresence(c *gin.Context) {
	records, err := s.presence.ListLive(c.Request.Context(), c.Param("communityId"), presencedomain.LivenessWindow)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]presencedomain.RecordResponse, 0, len(records))
	for _, record := range records {
		items = append(items, presencedomain.ToResponse(record))
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
