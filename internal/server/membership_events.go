package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gatewaydomain "github.com/smallbiznis/partnergate/internal/gateway/domain"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
)

// ApplyMembershipEvent is called by the waitlist workflow when a member is
// approved, rejected or banned.
func (s *Server) ApplyMembershipEvent(c *gin.Context) {
	var req gatewaydomain.MembershipEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.CommunityID = strings.TrimSpace(req.CommunityID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Status = memberdomain.Status(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !req.Status.Valid() {
		AbortWithError(c, memberdomain.ErrInvalidStatus)
		return
	}

	result, err := s.gateway.ApplyMembershipEvent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
