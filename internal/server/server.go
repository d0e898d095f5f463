package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tokenledger/internal/config"
	conversationdomain "github.com/smallbiznis/tokenledger/internal/conversation/domain"
	"github.com/smallbiznis/tokenledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenledger/internal/observability/tracing"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	tokenusagedomain "github.com/smallbiznis/tokenledger/internal/tokenusage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if obsCfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger, shutdowner fx.Shutdowner) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.String("addr", srv.Addr), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine              *gin.Engine
	cfg                 config.Config
	usageSvc            tokenusagedomain.Service
	conversationSvc     conversationdomain.Service
	obsMetrics          *obsmetrics.Metrics
	conversationLimiter *ratelimit.ConversationLimiter
}

type ServerParams struct {
	fx.In

	Gin                 *gin.Engine
	Cfg                 config.Config
	UsageSvc            tokenusagedomain.Service
	ConversationSvc     conversationdomain.Service
	ObsMetrics          *obsmetrics.Metrics            `optional:"true"`
	ConversationLimiter *ratelimit.ConversationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:              p.Gin,
		cfg:                 p.Cfg,
		usageSvc:            p.UsageSvc,
		conversationSvc:     p.ConversationSvc,
		obsMetrics:          p.ObsMetrics,
		conversationLimiter: p.ConversationLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.UserRequired())

	api.GET("/usage", s.GetUsage)

	api.GET("/conversations", s.ListConversations)
	api.POST("/conversations", s.ConversationRateLimit(), s.CreateConversation)
	api.GET("/conversations/:id", s.GetConversationByID)
	api.POST("/conversations/:id/messages", s.ConversationRateLimit(), s.AppendMessage)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
