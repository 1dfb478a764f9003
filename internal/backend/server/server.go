package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"NetPulse/internal/backend/dependencies"
	"NetPulse/internal/backend/handlers"
)

type Server struct {
	router     *gin.Engine
	config     *Config
	container  *dependencies.Container
	handlers   *handlers.Handlers
	httpServer *http.Server
	logger     *slog.Logger
}

type Config struct {
	Port         int
	Mode         string
	AllowOrigins []string
}

// New builds the router on top of the dependency container.
func New(config *Config, container *dependencies.Container) *Server {
	switch config.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	logger := container.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		router:    gin.New(),
		config:    config,
		container: container,
		handlers:  handlers.NewHandlers(container),
		logger:    logger.With("component", "server"),
	}

	server.setupMiddlewares()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddlewares() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.corsMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.readyCheck)
	if s.container.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.container.Metrics.Handler()))
	}

	api := s.router.Group("/api/v1")
	{
		// Agent protocol
		collector := api.Group("/collector")
		{
			collector.POST("/register", s.handlers.RegisterCollector)

			authed := collector.Group("")
			authed.Use(s.handlers.AgentAuthMiddleware())
			authed.POST("/heartbeat", s.handlers.Heartbeat)
			authed.GET("/batches", s.handlers.PendingBatches)
			authed.GET("/batches/:batchId/tasks", s.handlers.CollectorBatchTasks)
			authed.PUT("/batches/:batchId/status", s.handlers.CollectorBatchStatus)
			authed.PUT("/tasks/:taskId/status", s.handlers.CollectorTaskStatus)
			authed.POST("/results", s.handlers.SubmitResults)
			authed.POST("/logs", s.handlers.SubmitLogs)
		}

		agents := api.Group("/agents")
		{
			agents.GET("", s.handlers.ListAgents)
			agents.POST("/bootstrap-tokens", s.handlers.IssueBootstrapToken)
			agents.GET("/:id", s.handlers.GetAgent)
			agents.GET("/:id/stats", s.handlers.GetAgentStats)
			agents.GET("/:id/results", s.handlers.GetAgentResults)
			agents.GET("/:id/logs", s.handlers.GetAgentLogs)
			agents.POST("/:id/enable", s.handlers.EnableAgent)
			agents.POST("/:id/disable", s.handlers.DisableAgent)
		}

		batches := api.Group("/batches")
		{
			batches.POST("", s.handlers.CreateBatch)
			batches.GET("", s.handlers.ListBatches)
			batches.GET("/:id", s.handlers.GetBatch)
			batches.GET("/:id/tasks", s.handlers.GetBatchTasks)
			batches.POST("/:id/tasks", s.handlers.AddTasks)
			batches.POST("/:id/submit", s.handlers.SubmitBatch)
			batches.POST("/:id/cancel", s.handlers.CancelBatch)
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("/:id", s.handlers.GetTask)
			tasks.GET("/:id/results", s.handlers.GetTaskResults)
			tasks.POST("/:id/cancel", s.handlers.CancelTask)
			tasks.POST("/:id/reschedule", s.handlers.RescheduleTask)
		}

		plugins := api.Group("/plugins")
		{
			plugins.GET("", s.handlers.ListPlugins)
			plugins.GET("/health", s.handlers.PluginsHealth)
			plugins.GET("/:type", s.handlers.GetPlugin)
			plugins.GET("/:type/health", s.handlers.PluginHealth)
			plugins.POST("/:type/start", s.handlers.StartPlugin())
			plugins.POST("/:type/stop", s.handlers.StopPlugin())
			plugins.POST("/:type/restart", s.handlers.RestartPlugin())
			plugins.POST("/:type/suspend", s.handlers.SuspendPlugin())
			plugins.POST("/:type/resume", s.handlers.ResumePlugin())
		}

		scheduler := api.Group("/scheduler")
		{
			scheduler.GET("/stats", s.handlers.SchedulerStats)
			scheduler.GET("/health", s.handlers.SchedulerHealth)
			scheduler.GET("/history", s.handlers.SchedulerHistory)
			scheduler.POST("/start", s.handlers.StartScheduler)
			scheduler.POST("/stop", s.handlers.StopScheduler)
			scheduler.POST("/reload", s.handlers.ReloadTasks)
			scheduler.POST("/cleanup", s.handlers.CleanupTasks)

			scheduler.GET("/tasks", s.handlers.ListDefinitions)
			scheduler.POST("/tasks", s.handlers.CreateDefinition)
			scheduler.GET("/tasks/:id", s.handlers.GetDefinition)
			scheduler.POST("/tasks/:id/pause", s.handlers.PauseDefinition)
			scheduler.POST("/tasks/:id/resume", s.handlers.ResumeDefinition)
			scheduler.POST("/tasks/:id/stop", s.handlers.StopDefinition)
		}
	}

	s.router.GET("/ws/events", s.handlers.EventsWebSocket)

	s.router.NoRoute(s.notFoundHandler)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   s.container.Config.App.Name,
		"version":   s.container.Config.App.Version,
		"timestamp": time.Now().UTC(),
	})
}

// readyCheck reports ready once the database answers and the scheduler runs.
func (s *Server) readyCheck(c *gin.Context) {
	if s.container.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "database not connected"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.container.DB.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "database unreachable"})
		return
	}

	if !s.container.Scheduler.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "scheduler not running"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"database":  "connected",
		"scheduler": "running",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, handlers.ErrorResponse("NOT_FOUND", "endpoint not found: "+c.Request.URL.Path))
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if s.container.Metrics != nil {
			s.container.Metrics.ObserveRequest(c.Request.Method, c.FullPath(), status, latency)
		}

		if query != "" {
			path = path + "?" + query
		}

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case path == "/health" || path == "/metrics":
			level = slog.LevelDebug
		}

		s.logger.Log(c.Request.Context(), level, "HTTP request",
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency", latency,
			"request_id", c.GetString("request_id"),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        24 * time.Hour,
	}
	if len(s.config.AllowOrigins) == 0 || slices.Contains(s.config.AllowOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.config.AllowOrigins
	}
	return cors.New(cfg)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"port", s.config.Port,
		"mode", s.config.Mode,
		"address", addr,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, disconnects websocket clients and
// closes the container.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
		}
	}
	s.handlers.Close()

	if s.container != nil {
		if err := s.container.Close(); err != nil {
			s.logger.Error("failed to close dependencies", "error", err)
			errs = append(errs, err)
		}
	}

	s.logger.Info("server shutdown completed")
	return errors.Join(errs...)
}

// GetRouter exposes the router for tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
