package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/api"
	"github.com/opsdeck/pulse/internal/circuitbreaker"
	"github.com/opsdeck/pulse/internal/config"
	"github.com/opsdeck/pulse/internal/db"
	"github.com/opsdeck/pulse/internal/metrics"
	"github.com/opsdeck/pulse/internal/notify"
	"github.com/opsdeck/pulse/internal/observ"
	"github.com/opsdeck/pulse/internal/push"
	"github.com/opsdeck/pulse/internal/redis"
	"github.com/opsdeck/pulse/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pulse",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Stores
	store := db.NewNotificationStore(database, logger)
	subs := db.NewSubscriptionDirectory(database, logger)
	prefs := db.NewPreferenceStore(database)
	users := db.NewUserDirectory(database)

	// Redis is optional: without it the rate limiter and unread cache are off
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and unread cache disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	var unreadCache *redis.UnreadCache
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  300,             // 300 requests
			Window: 1 * time.Minute, // per minute per user
		})
		unreadCache = redis.NewUnreadCache(redisClient, logger)
		defer redisClient.Close()
	}

	// Web push transport, behind a circuit breaker
	var transport push.Transport
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		webpushTransport, err := push.NewWebPushTransport(push.WebPushConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDSubscriber,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create web push transport: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("webpush"), logger)
		transport = circuitbreaker.NewProtectedTransport(webpushTransport, breaker, logger)
	} else {
		logger.Warn("VAPID keys not set, web push disabled")
	}

	// SES email fallback is optional too
	var emailSender *push.EmailSender
	if cfg.SESFromEmail != "" {
		emailSender, err = push.NewEmailSender(ctx, push.EmailConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES unavailable, email fallback disabled", zap.Error(err))
			emailSender = nil
		}
	}

	// Push fallback worker
	var mailer push.Mailer
	if emailSender != nil {
		mailer = emailSender
	}

	var fallback notify.Fallback
	pushWorker := push.New(subs, prefs, users, transport, mailer, push.Config{
		QueueSize: cfg.PushQueueSize,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if transport != nil || emailSender != nil {
		go pushWorker.Start(workerCtx)
		fallback = pushWorker
		logger.Info("push fallback worker started",
			zap.Bool("webpush_enabled", transport != nil),
			zap.Bool("email_enabled", emailSender != nil),
		)
	}

	// Live connection registry and dispatcher
	registry := stream.NewRegistry(logger)
	dispatcher := notify.New(store, prefs, registry, fallback, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, store, subs, dispatcher, unreadCache, cfg.VAPIDPublicKey)
	streamHandler := api.NewStreamHandler(registry, time.Duration(cfg.HeartbeatSeconds)*time.Second, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.Auth(cfg.JWTSecret, logger))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger))

		r.Get("/notifications", handler.ListNotifications)
		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications/unread-count", handler.UnreadCount)
		r.Post("/notifications/{id}/read", handler.MarkRead)
		r.Post("/notifications/read-all", handler.MarkAllRead)
		r.Delete("/notifications", handler.ClearAll)

		r.Post("/push/subscriptions", handler.Subscribe)
		r.Delete("/push/subscriptions", handler.Unsubscribe)
		r.Get("/push/vapid-public-key", handler.VAPIDPublicKey)

		r.Get("/stream", streamHandler.Stream)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server. The SSE handler clears its own write deadline;
	// these timeouts cover everything else.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
