package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"marketdata_engine/config"
	"marketdata_engine/controllers"
	"marketdata_engine/models"
	"marketdata_engine/routes"
	"marketdata_engine/scheduler"
	"marketdata_engine/services"
)

// app holds everything that needs to be torn down on shutdown. It is
// built in the background init goroutine and read by the shutdown path
// and the /ready probe, hence the mutex.
type app struct {
	mu      sync.RWMutex
	ready   bool
	store   services.TimeSeriesStore
	cursors services.CursorStore
	hub     *services.LiveFanoutHub
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	closeDB func()
}

func (a *app) markReady() {
	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()
}

func (a *app) isReady() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

func main() {
	log.Println("==============================================")
	log.Println("  Market Data Engine - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	application := &app{}

	// Setup health check endpoints FIRST so the platform can detect the
	// service is up. Stores are initialized in background.
	setupHealthEndpoints(router, application)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server IMMEDIATELY so the platform knows we're listening
	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Initialize stores, pipelines and routes in background
	go initialize(cfg, router, application)

	// Graceful shutdown
	gracefulShutdown(server, application)
}

// initialize wires stores, the fetch/aggregation pipelines, the fan-out
// hub and the API routes. Failures degrade rather than abort: a missing
// Mongo or Postgres leaves the engine on in-memory fallbacks so the
// pipeline stays testable in development.
func initialize(cfg *config.Config, router *gin.Engine, application *app) {
	ctx, cancel := context.WithCancel(context.Background())
	application.mu.Lock()
	application.cancel = cancel
	application.mu.Unlock()

	// Time-series store: MongoDB, in-memory fallback
	var store services.TimeSeriesStore
	if cfg.MongoURI != "" {
		connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
		mongoStore, err := services.NewMongoStore(connectCtx, cfg.MongoURI)
		cancelConnect()
		if err != nil {
			log.Printf("ERROR: MongoDB connection failed, falling back to in-memory store: %v", err)
			store = services.NewMemoryStore()
		} else {
			store = mongoStore
		}
	} else {
		log.Println("MONGODB_URI not set, using in-memory time-series store")
		store = services.NewMemoryStore()
	}

	// Control-plane database (optional)
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Printf("ERROR: Control-plane database unavailable, using configured symbols and default stream deltas: %v", err)
		db = nil
	}
	if db != nil {
		if err := models.MigrateMarketModels(db); err != nil {
			log.Printf("ERROR: Market model migration failed: %v", err)
		}
		if err := models.MigrateSettingsModels(db); err != nil {
			log.Printf("ERROR: Settings model migration failed: %v", err)
		}
	}

	registry := services.NewSymbolRegistry(db, cfg.Symbols)
	if err := registry.Seed(ctx); err != nil {
		log.Printf("Warning: Could not seed symbol registry: %v", err)
	}

	// Fetch-cursor store: SQLite, in-memory fallback
	var cursors services.CursorStore
	sqliteCursors, err := services.NewSQLiteCursorStore(cfg.CursorDBPath)
	if err != nil {
		log.Printf("ERROR: Cursor store unavailable, trade resume positions will not survive restarts: %v", err)
		cursors = services.NewMemoryCursorStore()
	} else {
		cursors = sqliteCursors
	}

	// Exchange connectors
	connectors := make(map[string]services.ExchangeConnector)
	for _, name := range cfg.Exchanges {
		switch name {
		case "binance":
			connectors[name] = services.NewBinanceConnector()
		default:
			log.Printf("Warning: Unknown exchange %q, skipping", name)
		}
	}
	if len(connectors) == 0 {
		log.Println("Warning: No exchange connectors configured")
	}

	// Live fan-out hub
	settings := services.NewStreamSettings(db, cfg.StreamDefaultDeltaSeconds, time.Duration(cfg.SettingsRefreshSeconds)*time.Second)
	hub := services.NewLiveFanoutHub(store, settings)
	go hub.Run()

	// Candle pipeline: scheduler + gap detection + backfill
	var sched *scheduler.Scheduler
	primary, ok := connectors["binance"]
	if !ok {
		for _, c := range connectors {
			primary = c
			break
		}
	}
	if primary != nil {
		detector := services.NewGapDetector(store, cfg.GapThreshold, time.Duration(cfg.GapScanWindowHours)*time.Hour)
		backfill := services.NewBackfillOrchestrator(store, primary, cfg.BackfillRetries)
		sched = scheduler.NewScheduler(store, store, primary, detector, backfill, registry, hub, scheduler.Options{
			FloorInterval:   time.Duration(cfg.FloorPollSeconds) * time.Second,
			MaxInterval:     time.Duration(cfg.MaxPollSeconds) * time.Second,
			FetchDepth:      cfg.FetchDepth,
			ScanInterval:    time.Duration(cfg.GapScanIntervalMin) * time.Minute,
			ScanLookback:    time.Duration(cfg.GapScanLookbackDays) * 24 * time.Hour,
			StoreRetrySleep: time.Duration(cfg.StoreRetrySleepSeconds) * time.Second,
		})
		sched.Start()
	}

	// Trade pipeline
	var agg *services.TradeAggregator
	if len(connectors) > 0 {
		agg = services.NewTradeAggregator(connectors, store, store, cursors, registry, services.TradeAggregatorOptions{
			PollInterval: time.Duration(cfg.AggPollSeconds) * time.Second,
			Bucket:       time.Duration(cfg.AggBucketSeconds) * time.Second,
			Lookback:     time.Duration(cfg.AggLookbackHours) * time.Hour,
			Publisher:    hub,
		})
		go agg.Run(ctx)
	}

	// Setup all API routes
	marketController := controllers.NewMarketController(store, hub, agg, sched)
	routes.SetupRoutes(router, marketController)

	application.mu.Lock()
	application.store = store
	application.cursors = cursors
	application.hub = hub
	application.sched = sched
	application.closeDB = func() {
		if db == nil {
			return
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
			log.Println("Control-plane database connection closed")
		}
	}
	application.mu.Unlock()
	application.markReady()

	log.Println("Application fully initialized")
}

// setupHealthEndpoints sets up liveness and readiness probes.
func setupHealthEndpoints(router *gin.Engine, application *app) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Data Engine",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if the time-series store is reachable
	router.GET("/ready", func(c *gin.Context) {
		if !application.isReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Initialization in progress",
			})
			return
		}

		application.mu.RLock()
		store := application.store
		application.mu.RUnlock()

		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Time-series store ping failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
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
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown stops the pipelines, the hub and the HTTP server in
// order, then closes the stores.
func gracefulShutdown(server *http.Server, application *app) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	application.mu.RLock()
	sched := application.sched
	hub := application.hub
	cancel := application.cancel
	store := application.store
	cursors := application.cursors
	closeDB := application.closeDB
	application.mu.RUnlock()

	// Stop producers before consumers: scheduler, aggregator, then hub.
	if sched != nil {
		sched.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if hub != nil {
		hub.Stop()
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if store != nil {
		if err := store.Close(ctx); err != nil {
			log.Printf("Error closing time-series store: %v", err)
		}
	}
	if cursors != nil {
		if err := cursors.Close(); err != nil {
			log.Printf("Error closing cursor store: %v", err)
		}
	}
	if closeDB != nil {
		closeDB()
	}

	log.Println("Server shutdown completed")
}
