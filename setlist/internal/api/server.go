// Package api provides the HTTP API using Fiber and the live song feed.
package api

import (
	"context"
	"crypto/subtle"
	"net"
	"strconv"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/config"
	"go_setlist/setlist/internal/fanout"
	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/models"
	"go_setlist/setlist/internal/orchestrator"
	"go_setlist/setlist/internal/ratelimit"
	"go_setlist/setlist/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DeviceHeader identifies the calling device for rate limiting.
	DeviceHeader = "X-Device-ID"
	// AdminTokenHeader carries the admin token.
	AdminTokenHeader = "X-Admin-Token"

	defaultHistoryPeriods = 7
)

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	cfg     *config.ServerConfig
	orch    *orchestrator.Orchestrator
	fanout  *fanout.Hub
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer creates a new API server.
func NewServer(
	cfg *config.ServerConfig,
	orch *orchestrator.Orchestrator,
	fanoutHub *fanout.Hub,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		fanout:  fanoutHub,
		limiter: limiter,
		metrics: m,
		logger:  log,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Setlist Service",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		// route params outlive the handler in live updates and emitter events
		Immutable:             true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          s.handleFiberError,
	})

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware sets up middleware.
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New())
	s.app.Use(cors.New())
	s.app.Use(s.metricsMiddleware)
}

// setupRoutes sets up routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1", s.rateLimitMiddleware)

	v1.Post("/events", s.handleCreateEvent)
	v1.Get("/events/:eventId", s.handleGetEvent)
	v1.Post("/events/:eventId/songs", s.handleAddSong)

	v1.Get("/usage", s.handleUsageSummary)
	v1.Get("/usage/:kind", s.handleCheckUsage)
	v1.Get("/usage/:kind/history", s.handleUsageHistory)

	admin := s.app.Group("/admin", s.adminMiddleware)
	admin.Post("/sweep", s.handleSweep)
	admin.Get("/stats", s.handleStats)
}

func (s *Server) metricsMiddleware(c *fiber.Ctx) error {
	if s.metrics == nil {
		return c.Next()
	}

	start := time.Now()
	s.metrics.RequestsInFlight.Inc()
	defer s.metrics.RequestsInFlight.Dec()

	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		status = fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
	}
	s.metrics.RecordRequest(c.Method(), c.Route().Path, status, time.Since(start).Seconds())
	return err
}

// rateLimitMiddleware limits requests per device, or per client IP when no
// device is given.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	if s.limiter == nil || !s.limiter.Enabled() {
		return c.Next()
	}

	key := c.Get(DeviceHeader)
	if key == "" {
		key = "ip:" + c.IP()
	}
	if !s.limiter.Allow(key) {
		s.metrics.RecordRateLimitHit(c.Path())
		return c.Status(fiber.StatusTooManyRequests).JSON(types.ErrorResponse{
			Error: "Rate limit exceeded",
			Code:  "rate_limited",
		})
	}
	return c.Next()
}

// adminMiddleware requires the configured admin token. Admin routes are
// disabled when no token is configured.
func (s *Server) adminMiddleware(c *fiber.Ctx) error {
	token := c.Get(AdminTokenHeader)
	if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		return c.Status(fiber.StatusForbidden).JSON(types.ErrorResponse{
			Error: "admin token required",
			Code:  string(apperr.KindUnauthorized),
		})
	}
	return c.Next()
}

// fail writes the error response for err.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status, body := errorResponse(err)
	if apperr.Retryable(err) {
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return c.Status(status).JSON(body)
}

// handleFiberError renders routing and parsing errors raised by fiber itself.
func (s *Server) handleFiberError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	} else {
		s.logger.Error("Unhandled error", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(types.ErrorResponse{
		Error: msg,
		Code:  strconv.Itoa(code),
	})
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleCreateEvent(c *fiber.Ctx) error {
	var req types.CreateEventRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, apperr.Validation("invalid request body"))
	}

	res, err := s.orch.CreateEvent(c.UserContext(), orchestrator.CreateEventRequest{
		Name:        req.EventName,
		DeviceID:    req.DeviceID,
		DisplayMode: models.DisplayMode(req.DJDisplayMode),
		EventURL:    req.EventURL,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleAddSong(c *fiber.Ctx) error {
	var req types.AddSongRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, apperr.Validation("invalid request body"))
	}

	res, err := s.orch.AddSong(c.UserContext(), orchestrator.AddSongRequest{
		EventID:  c.Params("eventId"),
		DeviceID: req.DeviceID,
		Title:    req.Title,
		Artist:   req.Artist,
		DJName:   req.DJName,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleGetEvent(c *fiber.Ctx) error {
	res, err := s.orch.GetEvent(c.UserContext(), c.Params("eventId"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleCheckUsage(c *fiber.Ctx) error {
	d, err := s.orch.CheckUsage(c.UserContext(), c.Params("kind"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(d)
}

func (s *Server) handleUsageSummary(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"usage": s.orch.UsageSummary(c.UserContext()),
	})
}

func (s *Server) handleUsageHistory(c *fiber.Ctx) error {
	kind := c.Params("kind")
	periods := c.QueryInt("days", defaultHistoryPeriods)

	history, err := s.orch.UsageHistory(c.UserContext(), kind, periods)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"kind":    kind,
		"history": history,
	})
}

func (s *Server) handleSweep(c *fiber.Ctx) error {
	n, err := s.orch.SweepExpired(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(types.SweepResponse{Count: n})
}

// handleStats returns service statistics.
func (s *Server) handleStats(c *fiber.Ctx) error {
	stats := fiber.Map{}
	if s.fanout != nil {
		fanoutStats := s.fanout.GetStats()
		stats["fanout"] = fiber.Map{
			"active_topics":      fanoutStats.ActiveTopics,
			"active_subscribers": fanoutStats.ActiveSubscribers,
			"dropped_messages":   fanoutStats.DroppedMessages,
		}
	}
	if s.limiter != nil {
		limiterStats := s.limiter.GetStats()
		stats["ratelimit"] = fiber.Map{
			"total_keys": limiterStats.TotalKeys,
			"total_live": limiterStats.TotalLive,
		}
	}
	return c.JSON(stats)
}

// Start starts the server.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.HTTPPort))
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
