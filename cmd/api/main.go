package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"

	"rewards-miniapp/internal/ads"
	"rewards-miniapp/internal/config"
	"rewards-miniapp/internal/handlers"
	"rewards-miniapp/internal/ledger"
	"rewards-miniapp/internal/logging"
	"rewards-miniapp/internal/metrics"
	"rewards-miniapp/internal/middleware"
	"rewards-miniapp/internal/notify"
	"rewards-miniapp/internal/ocr"
	"rewards-miniapp/internal/outbox"
	"rewards-miniapp/internal/services"
	"rewards-miniapp/internal/session"
	"rewards-miniapp/internal/settings"
	"rewards-miniapp/internal/state"
	"rewards-miniapp/internal/store"
)

// backend is the store driver chosen by STORE_DRIVER together with the
// collaborators that only some drivers provide.
type backend struct {
	store      store.Store
	sessions   session.Store
	limiter    ledger.RateLimiter
	settlement ledger.Settlement
	close      func() error
}

func openBackend(cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return &backend{
			store:    store.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			close:    func() error { return nil },
		}, nil
	}

	redisStore, err := services.NewRedisStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &backend{
		store:      redisStore,
		sessions:   redisStore,
		limiter:    redisStore,
		settlement: services.NewSettlementQueue(redisStore),
		close:      redisStore.Close,
	}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service: "rewards-miniapp",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("invalid timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}
	m := metrics.Ledger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer be.close()

	settingsAgg := settings.New(be.store, cfg.Defaults.AppSettings(), logger, m)
	if err := settingsAgg.Start(ctx); err != nil {
		logger.Error("failed to start settings projection", "error", err)
		os.Exit(1)
	}
	defer settingsAgg.Stop()

	stateAgg := state.New(be.store, settingsAgg, cfg.QueryWindow, logger, m)
	hub := notify.NewHub(logger, m)

	pending, err := outbox.Open(cfg.OutboxPath, &bolt.Options{Timeout: time.Second})
	if err != nil {
		logger.Error("failed to open outbox", "path", cfg.OutboxPath, "error", err)
		os.Exit(1)
	}
	defer pending.Close()
	if n, err := pending.Len(); err == nil {
		m.SetOutboxDepth(n)
		if n > 0 {
			logger.Info("outbox has pending commands", "count", n)
		}
	}

	replayer := outbox.NewReplayer(pending, be.store, hub, cfg.WriteTimeout, logger, m)
	scheduler, err := outbox.NewScheduler(ctx, cfg.OutboxSchedule, replayer)
	if err != nil {
		logger.Error("invalid outbox schedule", "schedule", cfg.OutboxSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	rewards := ledger.New(ledger.Deps{
		Store:        be.store,
		State:        stateAgg,
		Settings:     settingsAgg,
		Ads:          ads.NewClientReported(logger),
		Notifier:     hub,
		Outbox:       pending,
		Settlement:   be.settlement,
		Limiter:      be.limiter,
		Metrics:      m,
		Logger:       logger,
		Timeout:      cfg.WriteTimeout,
		Location:     loc,
		AdRateLimit:  cfg.AdRateLimit,
		AdRateWindow: cfg.AdRateWindow,
	})

	jwtService := services.NewJWTService(cfg)
	controller := session.NewController(ctx, jwtService, be.sessions, stateAgg, jwtService.Expiry(), logger)
	defer controller.SignOut(context.Background())

	userHandler := handlers.NewUserHandler(controller, stateAgg, settingsAgg)
	rewardsHandler := handlers.NewRewardsHandler(rewards, ocr.Picker{RandomFallback: cfg.OCRRandomFallback})
	wsHandler := handlers.NewWebSocketHandler(controller, stateAgg, hub, logger)

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.HTTPRequestsPerMinute,
		Burst:             cfg.HTTPBurst,
	})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Sweep(10 * time.Minute)
			}
		}
	}()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/auth/signin", limiter.Middleware(), userHandler.SignIn)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(controller), limiter.Middleware())
	{
		protected.POST("/signout", userHandler.SignOut)
		protected.GET("/state", userHandler.GetState)
		protected.GET("/settings", userHandler.GetSettings)
		protected.GET("/tokens", userHandler.GetTokens)

		protected.GET("/ws", wsHandler.HandleWebSocket)

		protected.POST("/ads/complete", rewardsHandler.CompleteAd)
		protected.POST("/stake", rewardsHandler.Stake)
		protected.POST("/unstake", rewardsHandler.Unstake)
		protected.POST("/tickets", rewardsHandler.RegisterTicket)
		protected.POST("/predictions", rewardsHandler.SubmitPrediction)
		protected.POST("/missions/:id/claim", rewardsHandler.ClaimMission)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
