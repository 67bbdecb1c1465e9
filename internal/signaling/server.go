package signaling

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/ratelimit"
)

const (
	defaultMaxMessageBytes      = 64 * 1024
	defaultMessagesPerSecond    = 50
	defaultSendQueueMessages    = 64
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	connectLimiterMaxTrackedIPs = 8192
)

// Config wires the signaling server's runtime dependencies. Zero values pick
// safe defaults.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Registry is the membership store owned by the hub. If nil, a new one is
	// created with MaxParticipantsPerRoom.
	Registry               *Registry
	MaxParticipantsPerRoom int

	// AllowedOrigins is the canonical allow-list (origin.ParseAllowed). Empty
	// means same-host only.
	AllowedOrigins []string

	// MaxConnections caps concurrent WebSocket connections (<= 0 = unlimited).
	MaxConnections         int
	// ConnectsPerIPPerSecond rate-limits upgrades per client IP (<= 0 = unlimited).
	ConnectsPerIPPerSecond int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueMessages             int

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	Clock ratelimit.Clock
}

// Server is the WebSocket signaling endpoint (GET /ws).
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	hub      *Hub
	upgrader websocket.Upgrader

	connectLimiter *ratelimit.KeyedLimiter
	active         atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer starts the hub goroutine. Call Close to stop it.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.SendQueueMessages <= 0 {
		cfg.SendQueueMessages = defaultSendQueueMessages
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = defaultIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 || cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		cfg.SignalingWSPingInterval = cfg.SignalingWSIdleTimeout * 9 / 10
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(cfg.MaxParticipantsPerRoom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		hub:     NewHub(registry, cfg.Logger, cfg.Metrics),
		upgrader: websocket.Upgrader{
			// Origin is checked in handleWebSocket before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connectLimiter: ratelimit.NewKeyedLimiter(cfg.Clock, ratelimit.KeyedConfig{
			RatePerSecond: int64(cfg.ConnectsPerIPPerSecond),
			MaxKeys:       connectLimiterMaxTrackedIPs,
		}),
		cancel: cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Hub exposes the hub for registry inspection (e.g. tests, readiness).
func (s *Server) Hub() *Hub {
	return s.hub
}

// ActiveConnections reports the number of open WebSocket connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Close stops the hub, sending a going-away close frame to every connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins); !ok {
		s.metrics.Inc(metrics.SignalingRejectedOrigin)
		s.logger.Info("rejected signaling origin", "origin", r.Header.Get("Origin"), "host", r.Host)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !s.connectLimiter.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.SignalingRejectedConnectRate)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.SignalingRejectedCapacity)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		return
	}

	c := &conn{
		id:              ConnID(uuid.NewString()),
		hub:             s.hub,
		ws:              ws,
		send:            make(chan []byte, s.cfg.SendQueueMessages),
		limiter:         ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond)),
		maxMessageBytes: s.cfg.MaxSignalingMessageBytes,
		idleTimeout:     s.cfg.SignalingWSIdleTimeout,
		pingInterval:    s.cfg.SignalingWSPingInterval,
		logger:          s.logger,
		metrics:         s.metrics,
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		s.active.Add(-1)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}

	s.metrics.Inc(metrics.SignalingConnectionsAccepted)
	s.logger.Debug("signaling connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	go c.writePump()
	go func() {
		defer func() {
			s.active.Add(-1)
			s.metrics.Inc(metrics.SignalingConnectionsClosed)
			s.logger.Debug("signaling connection closed", "conn_id", c.id)
		}()
		c.readPump()
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
