package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/config"
	"go_setlist/setlist/internal/fanout"
	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/orchestrator"
	"go_setlist/setlist/internal/ratelimit"
	"go_setlist/setlist/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"

	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// LiveServer serves the websocket song feed and the metrics endpoint. It
// runs on net/http because fasthttp connections cannot be handed to
// nhooyr.io/websocket.
type LiveServer struct {
	server       *http.Server
	orch         *orchestrator.Orchestrator
	hub          *fanout.Hub
	limiter      *ratelimit.Limiter
	metrics      *metrics.Metrics
	logger       *zap.Logger
	buffers      bytebufferpool.Pool
	pingInterval time.Duration
}

// NewLiveServer creates the live feed server.
func NewLiveServer(
	cfg *config.ServerConfig,
	orch *orchestrator.Orchestrator,
	hub *fanout.Hub,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
	log *zap.Logger,
) *LiveServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &LiveServer{
		orch:         orch,
		hub:          hub,
		limiter:      limiter,
		metrics:      m,
		logger:       log,
		pingInterval: defaultPingInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.LivePort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *LiveServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the server and blocks until it stops.
func (s *LiveServer) Start() error {
	s.logger.Info("Starting live server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "live server stopped")
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *LiveServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleLive streams an event's songs: a snapshot first, then every song as
// it is added, until the client leaves or the event closes.
func (s *LiveServer) handleLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventID := q.Get("eventId")
	format := q.Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatMsgpack {
		writeHTTPError(w, apperr.Validation("format must be json or msgpack"))
		return
	}

	clientKey := "live:" + clientIP(r)
	if s.limiter != nil {
		if !s.limiter.AcquireLive(clientKey) {
			s.metrics.RecordRateLimitHit("/live")
			writeHTTPJSON(w, http.StatusTooManyRequests, types.ErrorResponse{
				Error: "too many live connections",
				Code:  "rate_limited",
			})
			return
		}
		defer s.limiter.ReleaseLive(clientKey)
	}

	// subscribe before reading the snapshot so no song falls in between
	sub := s.hub.CreateSubscriber(uuid.NewString(), eventID)
	s.hub.Subscribe(sub)
	defer s.hub.Unsubscribe(eventID, sub.ID)

	snap, err := s.orch.GetEvent(r.Context(), eventID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("Websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	err = s.write(ctx, conn, format, &types.LiveUpdate{
		Type:       types.UpdateSnapshot,
		EventID:    eventID,
		Timestamp:  time.Now().UTC(),
		Songs:      fanout.SongViews(snap.Songs),
		TotalSongs: snap.TotalSongs,
	})
	if err != nil {
		return
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
			sub.Touch()
		case update, ok := <-sub.SendChan:
			if !ok {
				if sub.Dropped.Load() > 0 {
					conn.Close(websocket.StatusTryAgainLater, "too slow")
				} else {
					conn.Close(websocket.StatusNormalClosure, "feed closed")
				}
				return
			}
			if err := s.write(ctx, conn, format, update); err != nil {
				s.logger.Debug("Live write failed", zap.String("event_id", eventID), zap.Error(err))
				return
			}
		}
	}
}

// write encodes update in format into a pooled buffer and sends it as one
// frame.
func (s *LiveServer) write(ctx context.Context, conn *websocket.Conn, format string, update *types.LiveUpdate) error {
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	msgType := websocket.MessageText
	var err error
	if format == FormatMsgpack {
		msgType = websocket.MessageBinary
		err = msgpack.NewEncoder(buf).Encode(update)
	} else {
		err = json.NewEncoder(buf).Encode(update)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode live update")
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, msgType, buf.B); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(format)
	return nil
}

func writeHTTPError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if apperr.Retryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeHTTPJSON(w, status, body)
}

func writeHTTPJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
