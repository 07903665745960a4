package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/middleware"
	"github.com/jsdbg/jsdbg/internal/monitoring"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/session"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	reg     *session.Registry
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// NewServer creates a server instance talking to the local Docker daemon.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("initializing jsdbg server",
		zap.String("port", cfg.Server.Port),
		zap.Int("max_sessions", cfg.Session.MaxSessions),
	)

	docker, err := sandbox.NewDocker(cfg.Sandbox, logger)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	prov := &meteredProvisioner{Provisioner: docker, metrics: metrics}
	reg := session.NewRegistry(prov, cfg, logger)
	router := newRouter(cfg, reg, logger, metrics)

	return &Server{
		router: router,
		http: &http.Server{
			Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
			Handler: router,
		},
		reg:     reg,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}, nil
}

// meteredProvisioner times provisioning itself, so initial-batch behavior
// never bleeds into the sandbox metrics.
type meteredProvisioner struct {
	sandbox.Provisioner
	metrics *monitoring.Metrics
}

func (p *meteredProvisioner) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Env, error) {
	start := time.Now()
	env, err := p.Provisioner.Provision(ctx, spec)
	p.metrics.RecordProvision(time.Since(start), err)
	return env, err
}

// newRouter assembles the middleware stack and routes. Split out so tests
// can drive the API against a fake provisioner.
func newRouter(cfg *config.Config, reg *session.Registry, logger *logging.Logger, metrics *monitoring.Metrics) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := NewHandlers(reg, cfg, logger, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.POST("/sessions/:id/commands", handlers.ExecuteCommands)
	router.DELETE("/sessions/:id", handlers.CloseSession)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then closes every live session so no
// sandbox containers are left behind.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.http.Shutdown(ctx)
	s.reg.CloseAll(ctx)
	s.logger.Sync()
	return err
}
