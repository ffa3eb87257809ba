// Package wsserver is the WebSocket framer/router composition root
// (spec.md §4.5): it accepts the HTTP upgrade on /ws, then hands each
// connection off to a reader/writer task pair that dispatches frames to
// the auth layer and meet registry.
package wsserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/meetrelay/internal/audit"
	"github.com/wisbric/meetrelay/internal/auth"
	"github.com/wisbric/meetrelay/internal/telemetry"
	"github.com/wisbric/meetrelay/pkg/meet"
	"github.com/wisbric/meetrelay/pkg/storage"
)

// pingInterval is the WebSocket keepalive cadence (spec.md §5: "fixed
// interval, e.g. 30s"); pongWait is how long a connection may go without
// answering a ping before it is considered dead.
const (
	pingInterval = 30 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second
)

// Server wires the meet registry, session table, and rate limiter behind
// a chi router exposing /ws, /healthz, and /metrics.
type Server struct {
	Router *chi.Mux

	logger   *slog.Logger
	registry *meet.Registry
	sessions *auth.SessionTable
	limiter  auth.Limiter
	storage  *storage.Store
	policy   auth.PasswordPolicy
	audit    *audit.Logger

	upgrader websocket.Upgrader
}

// Config bundles the dependencies NewServer wires together.
type Config struct {
	Logger          *slog.Logger
	Registry        *meet.Registry
	Sessions        *auth.SessionTable
	Limiter         auth.Limiter
	Storage         *storage.Store
	PasswordPolicy  auth.PasswordPolicy
	Audit           *audit.Logger
	CORSOrigins     []string
	MetricsRegistry *prometheus.Registry
}

// NewServer builds the composition root. Domain handlers are all mounted
// internally; there is nothing further for main to attach.
func NewServer(cfg Config) *Server {
	s := &Server{
		Router:   chi.NewRouter(),
		logger:   cfg.Logger,
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		limiter:  cfg.Limiter,
		storage:  cfg.Storage,
		policy:   cfg.PasswordPolicy,
		audit:    cfg.Audit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		s.Router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET"},
			MaxAge:         300,
		}))
	}

	s.Router.Get("/healthz", s.handleHealthz)
	if cfg.MetricsRegistry != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	s.Router.Get("/ws", s.handleWS)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWS upgrades the HTTP request and drives the connection until the
// socket closes or a fatal protocol error occurs (spec.md §4.5 steps 1-2).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	remoteAddr := r.RemoteAddr
	if ip := audit.ClientIP(r); ip.IsValid() {
		remoteAddr = ip.String()
	}
	c := newConn(s, conn, remoteAddr)
	c.logger = c.logger.With("request_id", RequestIDFromContext(r.Context()))
	telemetry.WebsocketConnectionsGauge.Inc()
	defer telemetry.WebsocketConnectionsGauge.Dec()

	c.run(r.Context())
}
