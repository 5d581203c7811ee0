package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LovationAdmin/household-budget/config"
	"github.com/LovationAdmin/household-budget/handlers"
	"github.com/LovationAdmin/household-budget/middleware"
	"github.com/LovationAdmin/household-budget/migration"
	"github.com/LovationAdmin/household-budget/routes"
	"github.com/LovationAdmin/household-budget/services"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	db, err := config.InitDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	log.Println("✅ Database connected successfully")

	if err := migration.Run(db.DB); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	redisClient, err := config.InitRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to redis:", err)
	}

	sealer, err := utils.NewTokenSealer(cfg.DataEncryptionKey)
	if err != nil {
		log.Fatal("Invalid DATA_ENCRYPTION_KEY:", err)
	}

	store := services.NewPostgresBankingStore(db, sealer)
	wsHandler := handlers.NewWSHandler()
	notifiers := services.MultiNotifier{wsHandler}

	var locker services.RefreshLocker = services.NewLocalRefreshLocker()
	if redisClient != nil {
		defer redisClient.Close()
		locker = services.NewRedisRefreshLocker(redisClient)
		notifiers = append(notifiers, services.NewRedisSyncPublisher(redisClient))
		log.Println("✅ Redis connected: shared refresh lease and sync events enabled")
	}

	tokens := services.NewTokenManager(cfg.Revolut(), store, locker)
	syncService := services.NewSyncService(store, services.NewRevolutClient(cfg.Revolut()), tokens, services.SyncOptions{
		Notifier: notifiers,
		Lookback: cfg.SyncLookback(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SyncInterval > 0 {
		go scheduleSync(ctx, syncService, cfg.SyncInterval)
	}

	globalLimiter := middleware.NewRateLimiter(100, time.Minute)
	syncLimiter := middleware.NewRateLimiter(5, 10*time.Minute)
	go globalLimiter.Run(ctx.Done())
	go syncLimiter.Run(ctx.Done())

	router := gin.Default()

	allowedOrigins := []string{cfg.FrontendURL}
	log.Printf("🌍 CORS: Allowing origins: %v", allowedOrigins)

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		utils.SafeInfo("%s %s - %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	router.Use(globalLimiter.ByClientIP())

	revolutHandler := handlers.NewRevolutHandler(tokens, syncService, store)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		routes.SetupRevolutRoutes(v1, revolutHandler, syncLimiter)
		routes.SetupWSRoutes(v1, wsHandler)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version,
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Shutdown: %v", err)
		}
		wsHandler.M.Close()
	}()

	utils.LogStartup("household-budget", version, cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}
}

// scheduleSync runs a full sync for every connected household on each tick.
func scheduleSync(ctx context.Context, syncService *services.SyncService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runScheduledSync(ctx, syncService)
		}
	}
}

func runScheduledSync(ctx context.Context, syncService *services.SyncService) {
	n, err := syncService.SyncActiveConnections(ctx)
	if err != nil {
		log.Printf("❌ Scheduled sync failed: %v", err)
		return
	}
	log.Printf("🔄 Scheduled sync completed for %d households", n)
}
