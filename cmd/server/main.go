package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"riskguard/internal/api"
	"riskguard/internal/api/middleware"
	"riskguard/internal/config"
	"riskguard/internal/engine"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/internal/repository"
	"riskguard/internal/service"
	"riskguard/internal/websocket"
	"riskguard/pkg/crypto"
	"riskguard/pkg/ratelimit"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

const (
	shutdownTimeout = 30 * time.Second

	// close_all - редкий запрос, лимит защищает от шторма повторов
	liquidationRate  = 2
	liquidationBurst = 4

	notificationBuffer = 256
)

func main() {
	hashPassword := flag.String("hash-password", "", "print bcrypt hash for OPERATOR_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================================
	// Журнал уведомлений
	// ============================================================

	var (
		db        *sql.DB
		notifRepo service.NotificationRepositoryInterface
	)
	if cfg.Database.Enabled {
		db, err = initDatabase(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", utils.Err(err), utils.String("dsn", cfg.Database.DSNWithoutPassword()))
		}
		defer db.Close()

		repo := repository.NewNotificationRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to prepare notification journal", utils.Err(err))
		}
		notifRepo = repo
		log.Info("Connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))
	} else {
		log.Info("Journal database disabled, notifications kept in memory")
	}

	notificationService := service.NewNotificationService(notifRepo, service.DefaultRecentCapacity, log)

	// ============================================================
	// Площадка
	// ============================================================

	signer := exchange.NewSigner(cfg.Venue.APIKey, cfg.Venue.APISecret)

	wsConfig := exchange.DefaultWSReconnectConfig()
	wsConfig.PingInterval = cfg.Venue.PingInterval
	wsConfig.Backoff.InitialDelay = cfg.Venue.ReconnectInitialDelay
	wsConfig.Backoff.MaxDelay = cfg.Venue.ReconnectMaxDelay
	feed := exchange.NewFeed(cfg.Venue.WSURL, wsConfig, signer, log)

	liquidator := exchange.NewLiquidator(
		cfg.Venue.RESTURL,
		signer,
		exchange.NewHTTPClient(exchange.DefaultHTTPClientConfig()),
		ratelimit.NewRateLimiter(liquidationRate, liquidationBurst),
		log,
	)

	// ============================================================
	// Ядро
	// ============================================================

	liqRetry := retry.LiquidationConfig()
	liqRetry.MaxAttempts = cfg.Risk.LiquidationMaxAttempts
	liqRetry.InitialDelay = cfg.Risk.LiquidationRetryDelay
	liqRetry.RetryIf = retry.NotContext

	eng := engine.NewEngine(engine.Config{
		Bounds:              cfg.Risk.Bounds(),
		LiquidationRetry:    liqRetry,
		LiquidationTimeout:  cfg.Risk.LiquidationTimeout,
		LiquidationCooldown: cfg.Risk.LiquidationCooldown,
	}, feed, liquidator, log)

	notifications := make(chan *models.Notification, notificationBuffer)
	eng.SetNotificationChannel(notifications)

	// ============================================================
	// Наблюдатели
	// ============================================================

	auth := middleware.NewOperatorAuth(cfg.Security.OperatorUsername, cfg.Security.OperatorPasswordHash, log)
	if !auth.Enabled() {
		log.Warn("OPERATOR_PASSWORD_HASH is empty, operator endpoints are open")
	}

	hub := websocket.NewHub(log)
	hub.SetStateProvider(eng)
	hub.SetBoundsUpdater(eng)
	hub.SetAuthorizer(auth.Authorize)
	hub.SetOriginChecker(websocket.NewOriginChecker(cfg.Security.AllowedOrigins))

	eng.SetObserver(hub)
	notificationService.SetWebSocketHub(hub)

	// ============================================================
	// Запуск
	// ============================================================

	var wg sync.WaitGroup

	go hub.Run()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Engine stopped with error", utils.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		notificationService.Run(ctx, notifications)
	}()

	feed.Start(ctx, eng)

	router := api.SetupRoutes(&api.Dependencies{
		Engine:              eng,
		NotificationService: notificationService,
		Hub:                 hub,
		Auth:                auth,
		CORSOrigins:         cfg.Security.CORSAllowedOrigins,
		Log:                 log,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		log.Info("Starting server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", utils.Err(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down", utils.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", utils.Err(err))
	}

	// Ядро ждёт текущую ликвидацию, поэтому отменяем после HTTP
	cancel()
	if err := feed.Close(); err != nil {
		log.Warn("Error closing venue connection", utils.Err(err))
	}
	hub.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded")
	}

	log.Info("Server exited")
}

// initDatabase создает подключение к базе данных журнала
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Проверка подключения
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
