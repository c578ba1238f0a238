package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/notifier"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Stores       *service.Stores
	Adapters     *publisher.Manager
	Notifier     *notifier.Notifier
	Orchestrator *publisher.Orchestrator

	// Services
	PostService  *service.PostService
	StatsService *service.StatsService
	AuthService  *service.AuthService
	Scheduler    *service.Scheduler

	redis *redis.Client
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	stores, err := service.NewStores(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	adapters, err := service.NewAdapterManager(&cfg.Publisher, logger)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("failed to initialize adapters: %w", err)
	}

	srv := &Server{
		Config:   cfg,
		Router:   gin.New(),
		Logger:   logger,
		Stores:   stores,
		Adapters: adapters,
	}

	var sinks []notifier.Option
	if cfg.Notifier.Redis.Enabled {
		srv.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Notifier.Redis.Addr,
			Password: cfg.Notifier.Redis.Password,
			DB:       cfg.Notifier.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := srv.redis.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis not reachable, snapshot publishing fails until it is", zap.Error(err))
		}
		cancel()
		sinks = append(sinks, notifier.WithSink(notifier.NewRedisSink(srv.redis, cfg.Notifier.Redis.ChannelPrefix)))
	}
	if cfg.Notifier.WebhookURL != "" {
		sinks = append(sinks, notifier.WithSink(notifier.NewWebhookSink(cfg.Notifier.WebhookURL)))
	}

	// Initialize services
	srv.Notifier = notifier.New(stores.Results.ListByPost, logger, sinks...)
	srv.Orchestrator = publisher.NewOrchestrator(stores.Results, stores.Posts, adapters, srv.Notifier,
		logger, service.OrchestratorOptions(&cfg.Publisher))
	srv.PostService = service.NewPostService(stores.Posts, stores.Results, srv.Orchestrator, logger)
	srv.StatsService = service.NewStatsService(stores.Posts, stores.Results, logger)
	srv.Scheduler = service.NewScheduler(&cfg.Scheduler, logger, stores.Posts, srv.PostService)
	if cfg.Auth.Enabled {
		srv.AuthService = service.NewAuthService(logger, cfg.Auth.TOTPSecret, config.Duration(cfg.Auth.SessionTTL))
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	if s.AuthService != nil {
		s.Router.Use(s.AuthService.AuthMiddleware())
	}
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		api.POST("/auth/login", s.handleLogin)
		api.GET("/platforms", s.handleListPlatforms)

		posts := api.Group("/posts")
		{
			posts.POST("", s.handleCreatePost)
			posts.GET("", s.handleListPosts)
			posts.GET("/:id", s.handleGetPost)
			posts.DELETE("/:id", s.handleDeletePost)
		}

		publish := api.Group("/publish")
		{
			publish.POST("", s.handlePublish)
			publish.GET("/:postId", s.handleGetResults)
			publish.POST("/:postId/retry/:platformId", s.handleRetry)
			publish.GET("/:postId/stream", s.handleStream)
		}

		stats := api.Group("/stats")
		{
			stats.GET("/dashboard", s.handleDashboard)
			stats.GET("/activity", s.handleActivity)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	s.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if s.Server != nil {
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
	}
	if err := s.Orchestrator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := s.Notifier.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush notifier: %w", err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if err := s.Stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	return errors.Join(errs...)
}
