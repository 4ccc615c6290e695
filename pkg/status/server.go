// Package status serves a small HTTP endpoint reporting the health and
// counters of a running process connection.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/remote"
	"github.com/billm/infralink/pkg/types"
)

// StatsProvider is the part of a connection the server reports on
type StatsProvider interface {
	Stats() remote.Stats
	Subscriptions() []string
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string       `json:"status"`
	Process   string       `json:"process"`
	State     remote.State `json:"state"`
	CheckedAt time.Time    `json:"checked_at"`
}

// StatsResponse is the body of GET /stats
type StatsResponse struct {
	remote.Stats
	Topics []string `json:"topics"`
	Uptime string   `json:"uptime"`
}

// Server is the status HTTP server
type Server struct {
	provider StatsProvider
	addr     string
	router   *gin.Engine
	logger   *logger.Logger
	started  time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a status server for provider listening on addr
func NewServer(provider StatsProvider, addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		provider: provider,
		addr:     addr,
		router:   router,
		logger:   log.With("component", "status_server"),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports 200 while connected, 503 otherwise
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.provider.Stats()
	resp := HealthResponse{
		Status:    "ok",
		Process:   stats.ProcessName,
		State:     stats.State,
		CheckedAt: time.Now().UTC(),
	}

	code := http.StatusOK
	if stats.State != remote.StateConnected {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Stats:  s.provider.Stats(),
		Topics: s.provider.Subscriptions(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

// Start binds the address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "status server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", "error", err)
		}
	}()

	s.logger.Info("Status server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to shut down status server", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}
