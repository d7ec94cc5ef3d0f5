package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/partnergate/internal/appcontext"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	obscontext "github.com/smallbiznis/partnergate/internal/observability/context"
)

const (
	HeaderIntegrationKeyID  = "X-Integration-Key-Id"
	HeaderIntegrationSecret = "X-Integration-Secret"
	HeaderInternalToken     = "X-Internal-Token"

	contextAppIDKey   = "integration_app_id"
	contextClaimsKey  = "session_claims"
	actorIntegration  = "integration_app"
	actorFounder      = "founder"
	actorWaitlistFlow = "waitlist_workflow"
)

// GatewayAuthRequired authenticates partner servers. Credentials come from
// "Authorization: Bearer <keyId>.<secret>" or the two integration headers.
func (s *Server) GatewayAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, secret := gatewayCredentials(c)
		if keyID == "" || secret == "" {
			AbortWithError(c, appdomain.ErrMissingCredentials)
			return
		}

		cred, err := s.apps.Authenticate(c.Request.Context(), keyID, secret)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		app := appcontext.AppContext{
			IntegrationAppID: cred.App.ID,
			AppSpaceID:       cred.App.CommunityID,
			PublicAppID:      cred.App.PublicAppID,
			KeyID:            cred.Key.KeyID,
		}
		ctx := appcontext.With(c.Request.Context(), app)
		ctx = obscontext.WithAppID(ctx, app.IntegrationAppID.String())
		ctx = obscontext.WithActor(ctx, actorIntegration, app.KeyID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAppIDKey, app.IntegrationAppID.String())

		c.Next()
	}
}

func gatewayCredentials(c *gin.Context) (string, string) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", ""
		}
		keyID, secret, ok := strings.Cut(parts[1], ".")
		if !ok {
			return "", ""
		}
		return strings.TrimSpace(keyID), strings.TrimSpace(secret)
	}

	return strings.TrimSpace(c.GetHeader(HeaderIntegrationKeyID)),
		strings.TrimSpace(c.GetHeader(HeaderIntegrationSecret))
}

// FounderRequired admits a full browser session whose user founded the
// community named in the path.
func (s *Server) FounderRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.sessions.Read(c, session.ScopeFull)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		communityID := strings.TrimSpace(c.Param("communityId"))
		if communityID == "" {
			AbortWithError(c, ErrInvalidRequest)
			return
		}

		founder, err := s.directory.IsFounder(c.Request.Context(), communityID, claims.UserID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !founder {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), actorFounder, claims.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextClaimsKey, claims)
		c.Next()
	}
}

// InternalTokenRequired guards endpoints called by the waitlist workflow.
// With no token configured the endpoints are closed.
func (s *Server) InternalTokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.InternalAPIToken)
	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(HeaderInternalToken))
		if presented == "" {
			if header := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(header, "Bearer ") {
				presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			}
		}
		if expected == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), actorWaitlistFlow, "internal")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func appFromRequest(c *gin.Context) (appcontext.AppContext, bool) {
	return appcontext.From(c.Request.Context())
}
