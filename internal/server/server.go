package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	"github.com/smallbiznis/partnergate/internal/cache"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	gatewaydomain "github.com/smallbiznis/partnergate/internal/gateway/domain"
	appdomain "github.com/smallbiznis/partnergate/internal/integrationapp/domain"
	memberdomain "github.com/smallbiznis/partnergate/internal/membership/domain"
	"github.com/smallbiznis/partnergate/internal/observability"
	obsmiddleware "github.com/smallbiznis/partnergate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/partnergate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/partnergate/internal/observability/tracing"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	"github.com/smallbiznis/partnergate/internal/ratelimit"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

const originCacheTTL = 30 * time.Second

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	gateway    gatewaydomain.Service
	apps       appdomain.Service
	webhooks   hookdomain.Service
	presence   presencedomain.Service
	directory  memberdomain.Directory
	sessions   *session.Manager
	limiter    *ratelimit.GatewayLimiter
	obsMetrics *obsmetrics.Metrics
	origins    cache.Cache[string, map[string]struct{}]
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Gateway    gatewaydomain.Service
	Apps       appdomain.Service
	Webhooks   hookdomain.Service
	Presence   presencedomain.Service
	Directory  memberdomain.Directory
	Sessions   *session.Manager
	Limiter    *ratelimit.GatewayLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		clock:      p.Clock,
		gateway:    p.Gateway,
		apps:       p.Apps,
		webhooks:   p.Webhooks,
		presence:   p.Presence,
		directory:  p.Directory,
		sessions:   p.Sessions,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
		origins:    cache.NewTTLCache[string, map[string]struct{}](cache.WithMaxEntries(1)),
	}

	svc.registerIntegrationRoutes()
	svc.registerBrowserRoutes()
	svc.registerAdminRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerIntegrationRoutes() {
	v1 := s.engine.Group("/v1/integrations")
	v1.Use(s.GatewayAuthRequired())
	v1.Use(s.GatewayRateLimit())

	v1.POST("/waitlist/start", s.StartWaitlist)
	v1.POST("/access/exchange", s.ExchangeAccessCode)
	v1.POST("/usage/heartbeat", s.UsageHeartbeat)
	v1.POST("/users/:externalUserId/plan", s.UpdateUserPlan)
	v1.POST("/chat/widget-token", s.IssueWidgetToken)
}

func (s *Server) registerBrowserRoutes() {
	browser := s.engine.Group("/")
	browser.Use(s.browserCORS())

	browser.GET("/join/:publicAppId", s.ResolveJoin)
	browser.GET("/join/:publicAppId/prefill", s.GetJoinPrefill)
	browser.GET("/access/:code", s.RedeemAccessCode)
	browser.GET("/widget/:token", s.OpenWidget)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/integrations/:communityId")
	admin.Use(s.FounderRequired())

	admin.POST("", s.EnsureIntegration)
	admin.GET("", s.GetIntegration)
	admin.PATCH("/config", s.UpdateIntegrationConfig)

	admin.GET("/keys", s.ListIntegrationKeys)
	admin.POST("/keys/rotate", s.RotateIntegrationKey)
	admin.POST("/webhook-secret/rotate", s.RotateWebhookSecret)

	admin.GET("/deliveries", s.ListWebhookDeliveries)
	admin.POST("/deliveries/:deliveryId/redeliver", s.RedeliverWebhook)

	admin.GET("/presence/live", s.ListLivePresence)
	admin.GET("/presence/stream", s.StreamPresence)
	admin.GET("/presence/ws", s.PresenceWebSocket)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(s.InternalTokenRequired())

	internal.POST("/membership-events", s.ApplyMembershipEvent)
}

// browserCORS allows credentialed requests from any origin a partner app
// has registered. The origin set is reloaded at most every originCacheTTL.
func (s *Server) browserCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
		AllowOriginFunc: func(origin string) bool {
			normalized, ok := appdomain.NormalizeOrigin(origin)
			if !ok {
				return false
			}
			_, allowed := s.allowedOrigins()[normalized]
			return allowed
		},
	})
}

func (s *Server) allowedOrigins() map[string]struct{} {
	if set, ok := s.origins.Get("all"); ok {
		return set
	}
	list, err := s.apps.ListAllowedOrigins(context.Background())
	if err != nil {
		s.log.Warn("failed to load allowed origins", zap.Error(err))
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(list))
	for _, origin := range list {
		set[origin] = struct{}{}
	}
	s.origins.Set("all", set, originCacheTTL)
	return set
}
