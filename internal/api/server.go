// Package api serves the botlink management REST API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/config"
	"github.com/energizer-project/botlink/internal/db"
	"github.com/energizer-project/botlink/internal/metrics"
	"github.com/energizer-project/botlink/internal/session"
)

// Server is the REST API server.
type Server struct {
	cfg     config.APIConfig
	hub     *session.Hub
	journal *db.Journal
	metrics *metrics.Collector
	version string

	httpServer *http.Server
	router     *gin.Engine
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithJournal enables the history endpoints.
func WithJournal(j *db.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics exposes the collector's registry on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithVersion sets the version reported by the public endpoints.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new API server for the sessions in hub.
func NewServer(cfg config.APIConfig, hub *session.Hub, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
		public.GET("/system", s.handleGetHost)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/cpu_usage", s.handleGetCPU)
		monitor.GET("/memory_usage", s.handleGetMemory)
		monitor.GET("/history", s.handleGetHistory)
	}

	sessions := router.Group("/api/sessions")
	{
		sessions.GET("", s.handleListSessions)
		sessions.GET("/:name", s.handleGetSession)
		sessions.GET("/:name/routes", s.handleGetRoutes)
		sessions.GET("/:name/history", s.handleGetHistory)
		sessions.GET("/:name/summary", s.handleGetSummary)
		sessions.POST("/:name/connect", s.handleConnect)
		sessions.POST("/:name/disconnect", s.handleDisconnect)
		sessions.POST("/:name/send", s.handleSend)
	}

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "botlink API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
