package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	"github.com/smallbiznis/rewardsync/internal/config"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	"github.com/smallbiznis/rewardsync/internal/observability"
	obsmiddleware "github.com/smallbiznis/rewardsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rewardsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/rewardsync/internal/observability/tracing"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	"github.com/smallbiznis/rewardsync/internal/ratelimit"
	reconciliationdomain "github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
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

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	rewardSvc     rewarddomain.Service
	mappingSvc    productmappingdomain.Service
	providerSvc   rewardproviderdomain.Service
	eventSvc      rewardeventdomain.Service
	reconcileSvc  reconciliationdomain.Service
	driftSvc      driftdomain.Service
	auditSvc      auditdomain.Service
	enqueuer      task.Enqueuer
	ingestLimiter *ratelimit.IngestLimiter
	httpMetrics   *obsmetrics.HTTPMetrics
	syncConfig    *config.SyncConfigHolder
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	RewardSvc     rewarddomain.Service
	MappingSvc    productmappingdomain.Service
	ProviderSvc   rewardproviderdomain.Service
	EventSvc      rewardeventdomain.Service
	ReconcileSvc  reconciliationdomain.Service
	DriftSvc      driftdomain.Service
	AuditSvc      auditdomain.Service
	SyncConfig    *config.SyncConfigHolder
	Enqueuer      task.Enqueuer            `optional:"true"`
	IngestLimiter *ratelimit.IngestLimiter `optional:"true"`
	HTTPMetrics   *obsmetrics.HTTPMetrics  `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		rewardSvc:     p.RewardSvc,
		mappingSvc:    p.MappingSvc,
		providerSvc:   p.ProviderSvc,
		eventSvc:      p.EventSvc,
		reconcileSvc:  p.ReconcileSvc,
		driftSvc:      p.DriftSvc,
		auditSvc:      p.AuditSvc,
		enqueuer:      p.Enqueuer,
		ingestLimiter: p.IngestLimiter,
		httpMetrics:   p.HTTPMetrics,
		syncConfig:    p.SyncConfig,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func RegisterRoutes(s *Server) {
	s.RegisterAdminRoutes()
	s.RegisterInternalRoutes()
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(BearerTokenRequired(s.cfg.AdminToken, "admin"))

	// -------- Rewards --------
	admin.GET("/rewards", s.ListRewards)
	admin.POST("/rewards", s.CreateReward)
	admin.GET("/rewards/:id", s.GetReward)
	admin.PATCH("/rewards/:id", s.UpdateReward)
	admin.DELETE("/rewards/:id", s.DeleteReward)

	// -------- Product mappings --------
	admin.GET("/product-mappings", s.ListProductMappings)
	admin.POST("/product-mappings", s.CreateProductMapping)
	admin.GET("/product-mappings/:id", s.GetProductMapping)
	admin.PATCH("/product-mappings/:id", s.UpdateProductMapping)
	admin.DELETE("/product-mappings/:id", s.DeleteProductMapping)
	admin.GET("/product-mappings/:id/associations", s.ListMappingAssociations)

	// -------- Reconciliation --------
	admin.GET("/product-mappings/:id/reconciliation", s.PreviewReconciliation)
	admin.POST("/product-mappings/:id/reconcile", s.ReconcileMapping)
	admin.POST("/reconcile", s.ReconcileAllMappings)
	admin.POST("/users/:userId/reconcile", s.ReconcileUser)

	// -------- Drift --------
	admin.GET("/providers/:provider/drift", s.DetectDrift)
	admin.POST("/providers/:provider/drift/sync", s.SyncDrift)

	// -------- Providers --------
	admin.GET("/providers", s.ListProviderConfigs)
	admin.PUT("/providers/:provider", s.UpsertProviderConfig)
	admin.GET("/providers/:provider/account-links", s.ListAccountLinks)
	admin.PUT("/providers/:provider/account-links", s.LinkAccount)

	// -------- Assignments --------
	admin.GET("/users/:userId/assignments", s.ListUserAssignments)
	admin.GET("/users/:userId/associations", s.ListUserAssociations)
	admin.POST("/users/:userId/rewards", s.AssignReward)
	admin.POST("/assignments/:id/revoke", s.RevokeAssignment)

	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.Use(BearerTokenRequired(s.cfg.IngestToken, "ingest"))

	internal.POST("/reward-events", s.IngestRateLimit(), s.IngestRewardEvent)
}
