// Package api provides the HTTP REST API for the devlink host
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/devlink/pkg/network"
	"github.com/ZentaChain/devlink/pkg/storage"
)

// DeviceRegistry is the live view of connected devices, implemented by
// *network.Host
type DeviceRegistry interface {
	Devices() []network.DeviceInfo
	Device(id string) (network.DeviceInfo, bool)
	Send(id, text string) (uint16, error)
	Disconnect(id string) error
}

// History is the persisted device registry and event log, implemented by
// *storage.DeviceDB
type History interface {
	ListDevices(onlineOnly bool) ([]*storage.DeviceRecord, error)
	RecentLogs(limit int) ([]*storage.LogEntry, error)
}

// Server is the HTTP API server
type Server struct {
	devices    DeviceRegistry
	history    History
	gatherer   prometheus.Gatherer
	router     *gin.Engine
	config     *Config
	logger     *zap.Logger
	httpServer *http.Server
	started    time.Time
}

// Config holds server configuration
type Config struct {
	Listen       string
	EnableCORS   bool
	RateLimit    int // Requests per minute, 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the API server. history and gatherer may be nil, in
// which case their endpoints answer 503.
func NewServer(devices DeviceRegistry, history History, gatherer prometheus.Gatherer, config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		devices:  devices,
		history:  history,
		gatherer: gatherer,
		router:   gin.New(),
		config:   config,
		logger:   logger.Named("api"),
		started:  time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", s.handleListDevices)
			devices.GET("/:id", s.handleGetDevice)
			devices.POST("/:id/send", s.handleSend)
			devices.DELETE("/:id", s.handleDisconnect)
		}

		v1.GET("/history", s.handleHistory)
		v1.GET("/logs", s.handleLogs)
	}

	// outside versioning
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)
}

// Handler exposes the router, mainly for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API server starting", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.gatherer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Metrics disabled"})
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
