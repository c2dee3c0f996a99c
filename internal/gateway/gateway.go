// Package gateway terminates remote WebSocket clients, authenticates them
// with a four-step hello/challenge/auth/welcome handshake, and multiplexes
// each connection onto the agent daemon's Unix-socket NDJSON protocol.
// Post-handshake frames pass through unmodified: the gateway does not
// interpret request/response/event bodies, it only relays them between the
// two transports and fans daemon output out to every subscriber.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jgarzik/brainpro/internal/auth"
	"github.com/jgarzik/brainpro/internal/infra"
	"github.com/jgarzik/brainpro/internal/ratelimit"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address, e.g. ":8787".
	ListenAddr string

	// DaemonSocketPath is the Unix domain socket of the agent daemon this
	// gateway multiplexes clients onto.
	DaemonSocketPath string

	// GatewayToken is the shared secret clients must prove possession of
	// during the auth step of the handshake. An empty token disables
	// authentication (every hello succeeds) for local development.
	GatewayToken string

	// DialTimeout bounds how long connecting to the daemon socket may take.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Server is the gateway's HTTP/WebSocket front end.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener

	// auth verifies bearer-token auth frames (JWTs minted with the shared
	// secret, or statically configured API keys); nil when no token is
	// configured (auth disabled).
	auth *auth.Service

	// healthFlight coalesces concurrent /health daemon probes and
	// healthCache holds the last result briefly, so a liveness-probe storm
	// does not translate into a dial storm against the daemon socket.
	healthFlight infra.Group[string, backendHealth]
	healthCache  *infra.TTLCache[string, backendHealth]

	// limiter bounds connection attempts per remote host, keeping a
	// misbehaving client from burning handshake nonces and daemon dials.
	limiter *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// New constructs a gateway Server from cfg.
func New(cfg Config) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		startTime:   time.Now(),
		sessions:    make(map[string]*clientSession),
		healthCache: infra.NewTTLCache[string, backendHealth](infra.CacheConfig{DefaultTTL: 2 * time.Second}),
		limiter:     ratelimit.NewLimiter(ratelimit.DefaultConfig()),
	}
	if cfg.GatewayToken != "" {
		s.auth = auth.NewService(auth.Config{JWTSecret: cfg.GatewayToken})
	}
	return s
}

// ListenAndServe binds cfg.ListenAddr and serves /ws, /health, and /metrics
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway listening", "addr", s.cfg.ListenAddr, "daemon_socket", s.cfg.DaemonSocketPath)
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) trackSession(cs *clientSession) {
	s.mu.Lock()
	s.sessions[cs.id] = cs
	s.mu.Unlock()
}

func (s *Server) untrackSession(cs *clientSession) {
	s.mu.Lock()
	delete(s.sessions, cs.id)
	s.mu.Unlock()
}

func (s *Server) activeSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
