package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harun/streamrelay/internal/observability"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/harun/streamrelay/pkg/supervisor"
	"github.com/rs/zerolog"
)

// Backend is the supervisor surface exposed over HTTP
type Backend interface {
	Submit(req supervisor.ActivationRequest) error
	Sessions() []supervisor.SessionInfo
	Lookup(userID string) (supervisor.SessionInfo, bool)
	Stats() supervisor.Stats
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string

	// Per-client budget for POST /v1/activations
	ActivationsPerMinute int
	ActivationBurst      int

	Backend Backend
	Logger  zerolog.Logger
}

// Server is the admin HTTP API
type Server struct {
	addr    string
	engine  *gin.Engine
	backend Backend
	auth    *AuthHandler
	limiter *ClientRateLimiter
	logger  zerolog.Logger
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates the admin API server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.ActivationsPerMinute <= 0 {
		cfg.ActivationsPerMinute = 60
	}
	if cfg.ActivationBurst <= 0 {
		cfg.ActivationBurst = 10
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		backend: cfg.Backend,
		auth:    NewAuthHandler(cfg.SharedSecret),
		limiter: NewClientRateLimiter(cfg.ActivationsPerMinute, cfg.ActivationBurst),
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
		started: time.Now(),
	}
	s.engine = s.routes()

	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestContext())
	r.Use(requestLogger(s.logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := r.Group("/v1", s.auth.Middleware())
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:user_id", s.handleGetSession)
	v1.POST("/activations", s.limiter.Middleware(), s.handleActivate)

	return r
}

// Handler returns the HTTP handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.listener = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting admin API")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin API server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down admin API")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Admin API stopped")
	return nil
}

// CleanupClients drops rate limiter state for idle clients
func (s *Server) CleanupClients(maxAge time.Duration) int {
	return s.limiter.Cleanup(maxAge)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: uptime(s.started),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, sessionsResponse{
		Sessions: s.backend.Sessions(),
		Stats:    s.backend.Stats(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, ok := s.backend.Lookup(c.Param("user_id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no session for user"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleActivate(c *gin.Context) {
	var body activationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	body.UserID = strings.TrimSpace(body.UserID)
	if body.UserID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}

	ctx := c.Request.Context()
	logger := tracing.LoggerFromContext(tracing.WithUserID(ctx, body.UserID), s.logger)

	if err := s.backend.Submit(body.request()); err != nil {
		logger.Error().Err(err).Msg("Failed to queue activation")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "activation queue unavailable"})
		return
	}

	logger.Info().
		Bool("notifications", body.Notifications).
		Bool("api_key", body.APIKey != nil).
		Msg("Activation queued")

	c.JSON(http.StatusAccepted, activationResponse{
		Status:    "queued",
		UserID:    body.UserID,
		RequestID: tracing.GetRequestID(ctx),
	})
}
