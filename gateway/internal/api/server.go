// Package api provides the HTTP API using Fiber.
package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/auth"
	"xbrl_api/gateway/internal/blob"
	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/keys"
	"xbrl_api/gateway/internal/metrics"
	"xbrl_api/gateway/internal/monitor"
	"xbrl_api/gateway/internal/query"
	"xbrl_api/gateway/internal/ratelimit"
	"xbrl_api/gateway/internal/usage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	keys    *keys.Service
	auth    *auth.Service
	limiter ratelimit.Limiter
	query   *query.Service
	blobs   *blob.Store
	usage   *usage.Recorder
	monitor *monitor.Monitor
	metrics *metrics.Metrics
	logger  *zap.Logger
	started time.Time
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.Config,
	keySvc *keys.Service,
	authSvc *auth.Service,
	limiter ratelimit.Limiter,
	querySvc *query.Service,
	blobStore *blob.Store,
	usageRec *usage.Recorder,
	mon *monitor.Monitor,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "XBRL API Gateway",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BodyLimit:    cfg.Server.BodyLimit,
		IdleTimeout:  120 * time.Second,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	s := &Server{
		app:     app,
		cfg:     cfg,
		keys:    keySvc,
		auth:    authSvc,
		limiter: limiter,
		query:   querySvc,
		blobs:   blobStore,
		usage:   usageRec,
		monitor: mon,
		metrics: m,
		logger:  logger,
		started: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware sets up middleware.
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(cors.New())
}

// setupRoutes sets up routes.
func (s *Server) setupRoutes() {
	// Operational endpoints
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	s.app.Get("/events", s.handleEvents)

	// Key management, behind the session token
	keysGroup := s.app.Group("/keys", s.sessionMiddleware)
	keysGroup.Post("/", s.handleIssueKey)
	keysGroup.Get("/", s.handleListKeys)
	keysGroup.Delete("/:id", s.handleRevokeKey)

	// Data plane, behind API key auth and rate limiting
	v1 := s.app.Group("/v1", s.authMiddleware)
	v1.Get("/companies", s.handleSearchCompanies)
	v1.Post("/query", s.handleQuery)
	v1.Get("/storage", s.handleStorage)
	v1.Get("/usage", s.handleUsage)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
		"time":   time.Now().UTC(),
	})
}

// handleEvents returns recent gateway events from the monitor ring.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	n := c.QueryInt("limit", 50)
	if n > 500 {
		n = 500
	}
	return c.JSON(fiber.Map{
		"events":    s.monitor.Recent(n),
		"published": s.monitor.Published(),
	})
}

// Start starts the server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
