// Package grpc provides the gRPC admin server. It exposes the standard health
// service, with the serving status driven by periodic store pings.
package grpc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/ratelimit"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Pinger is a dependency whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds gRPC server configuration.
type Config struct {
	Port          int
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Server is the gRPC admin server.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	checks  map[string]Pinger
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new gRPC server. Each entry of checks is reported as
// its own health service; the overall status ("") is SERVING only while
// every check passes.
func NewServer(
	cfg *Config,
	checks map[string]Pinger,
	limiter *ratelimit.Limiter,
	metricsInst *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := *cfg
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		health:  health.NewServer(),
		checks:  checks,
		limiter: limiter,
		metrics: metricsInst,
		logger:  logger,
		cfg:     c,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
	)
	healthpb.RegisterHealthServer(s.server, s.health)

	s.CheckNow(ctx)
	return s
}

// Start listens on the configured port and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	s.logger.Info("Starting gRPC server", zap.Int("port", s.cfg.Port))
	return s.Serve(lis)
}

// Serve serves on lis and runs the health check loop.
func (s *Server) Serve(lis net.Listener) error {
	s.wg.Add(1)
	go s.checkLoop()
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *Server) checkLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.CheckNow(s.ctx)
		}
	}
}

// CheckNow pings every dependency and updates the health statuses. It
// reports whether all checks passed.
func (s *Server) CheckNow(ctx context.Context) bool {
	healthy := true
	for name, p := range s.checks {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		err := p.Ping(pctx)
		cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, st)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return healthy
}

// unaryInterceptor rate limits callers by device id metadata, or by peer
// address, and logs failed calls.
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	if s.limiter != nil && s.limiter.Enabled() && !s.limiter.Allow(callerKey(ctx)) {
		s.metrics.RecordRateLimitHit(info.FullMethod)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	resp, err := handler(ctx, req)

	code := status.Code(err)
	s.metrics.RecordRequest("GRPC", info.FullMethod, grpcToHTTP(code), time.Since(start).Seconds())
	if err != nil && code != codes.NotFound {
		s.logger.Debug("gRPC call failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

func callerKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-device-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "ip:" + p.Addr.String()
	}
	return "unknown"
}

// grpcToHTTP folds status codes into the HTTP status label used by the
// request metrics.
func grpcToHTTP(c codes.Code) int {
	switch c {
	case codes.OK:
		return 200
	case codes.InvalidArgument:
		return 400
	case codes.NotFound:
		return 404
	case codes.PermissionDenied, codes.Unauthenticated:
		return 403
	case codes.ResourceExhausted:
		return 429
	case codes.Unavailable:
		return 503
	default:
		return 500
	}
}
