package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stock_research_backend/admin"
	"stock_research_backend/config"
	"stock_research_backend/logger"
	"stock_research_backend/middleware"
	"stock_research_backend/models"
	"stock_research_backend/routes"
	"stock_research_backend/scheduler"
	"stock_research_backend/services/collectionconfig"
	"stock_research_backend/services/collector"
	"stock_research_backend/services/datafetcher"
	"stock_research_backend/services/monitor"
	"stock_research_backend/services/stocklist"
	"stock_research_backend/services/storage"
)

// closers are released in reverse order at shutdown
type closers []func() error

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Default().WithError(err).Fatal("Invalid configuration")
	}

	logger.Init(&logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		LogFile:     cfg.LogFile,
		ServiceName: "stock-collector",
		MaxSize:     100,
		MaxBackups:  7,
		MaxAge:      30,
		Compress:    true,
	})
	defer logger.Sync()
	log := logger.Category("main")

	log.Info("==============================================")
	log.Info("  Stock Data Collector - Starting...")
	log.Info("==============================================")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var release closers

	db, err := config.InitDB(cfg)
	if err != nil {
		log.WithError(err).Fatal("Database connection failed")
	}
	release = append(release, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	prices := storage.NewPriceRepository(db)
	if err := prices.Migrate(); err != nil {
		log.WithError(err).Fatal("Migration failed")
	}

	history, err := storage.OpenHistoryStore(cfg.HistoryDBPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job history")
	}
	release = append(release, history.Close)

	monitorOpts := []monitor.Option{monitor.WithHistorySink(history)}
	schedOpts := []scheduler.Option{scheduler.WithHistoryPruner(history)}
	var persister collector.Persister = prices

	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mirror, err := storage.ConnectMongoMirror(ctx, cfg.MongoURI, cfg.MongoDatabase)
		cancel()
		if err != nil {
			log.WithError(err).Warn("MongoDB mirror not available, continuing without it")
		} else {
			release = append(release, mirror.Close)
			persister = storage.NewMultiPersister(prices, mirror)
			monitorOpts = append(monitorOpts, monitor.WithHistorySink(mirror))
			schedOpts = append(schedOpts, scheduler.WithHistoryPruner(mirror))
		}
	}

	policy := collectionconfig.NewManager(cfg.CollectionConfigFile)
	applyLogLevel(policy.GetConfig())
	policy.OnChange(applyLogLevel)

	stocks := stocklist.NewManager(cfg.MarketConfigFile, stocklist.WithFreshnessSource(prices))
	mon := monitor.New(monitorOpts...)

	fetcher := datafetcher.NewClient(datafetcher.Config{
		BaseURL: cfg.MarketDataBaseURL,
		Timeout: cfg.MarketDataTimeoutDuration(),
	})
	shared := collector.NewStockDataCollector(fetcher, persister, mon, policy, collector.WithName("shared"))
	schedOpts = append(schedOpts, scheduler.WithCollectorFactory(
		func(name string, overrides collector.Overrides) *collector.StockDataCollector {
			return collector.NewStockDataCollector(fetcher, persister, mon, policy,
				collector.WithName(name), collector.WithOverrides(overrides))
		},
	))

	sched := scheduler.New(stocks, policy, mon, shared, schedOpts...)
	if policy.GetConfig().AutoStart {
		sched.Start()
	} else {
		log.Info("Auto start disabled; use the start action to begin scheduled collection")
	}

	appCtx, stopApp := context.WithCancel(context.Background())
	defer stopApp()

	svc := admin.NewService(sched)
	stream := admin.NewStatusStream(svc)
	go stream.Run(appCtx)

	limiter := middleware.NewLoginRateLimiter()
	limiter.StartCleanup(appCtx, 10*time.Minute)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())
	setupHealthEndpoints(router, db)
	routes.SetupRoutes(router, routes.Handlers{
		Collection:   admin.NewCollectionController(svc),
		Auth:         admin.NewAuthController(cfg.AdminUsername, cfg.AdminPasswordHash, cfg.JWTSecret, limiter),
		Stream:       stream,
		LoginLimiter: limiter,
		JWTSecret:    cfg.JWTSecret,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Infof("Server listening on 0.0.0.0:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server error")
		}
	}()

	gracefulShutdown(server, sched, stopApp, release)
}

func applyLogLevel(cfg models.CollectionConfig) {
	if logger.GetLevel() == cfg.Monitoring.LogLevel {
		return
	}
	if logger.SetLevel(cfg.Monitoring.LogLevel) {
		logger.Category("main").Infof("Log level set to %s", cfg.Monitoring.LogLevel)
	}
}

// setupHealthEndpoints sets up liveness and readiness probes
func setupHealthEndpoints(router *gin.Engine, db *gorm.DB) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs failed and slow requests
func requestLogger() gin.HandlerFunc {
	log := logger.Category("http")
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		if c.Writer.Status() >= 400 || duration > time.Second {
			log.WithFields(logger.Fields{
				"method":   c.Request.Method,
				"path":     path,
				"status":   c.Writer.Status(),
				"duration": duration.String(),
			}).Info("Request")
		}
	}
}

// gracefulShutdown waits for a signal, then stops the scheduler, the HTTP
// server and the stores in that order.
func gracefulShutdown(server *http.Server, sched *scheduler.DataCollectionScheduler, stopApp context.CancelFunc, release closers) {
	log := logger.Category("main")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("Received signal %v, shutting down gracefully...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sched.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Collection runs did not finish before shutdown")
	}
	stopApp()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	for i := len(release) - 1; i >= 0; i-- {
		if err := release[i](); err != nil {
			log.WithError(err).Warn("Failed to close resource")
		}
	}
	log.Info("Server shutdown completed")
}
