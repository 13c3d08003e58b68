// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"console-service/internal/config"
	"console-service/internal/database"
	"console-service/internal/handler"
	"console-service/internal/repository"
	"console-service/internal/routes"
	"console-service/internal/service"
	"console-service/internal/transport"
	"console-service/internal/utils"
	"console-service/internal/vendor"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	migrator *database.Migrator

	// Services
	sessionService *service.SessionService

	// Repositories
	sessionRepo repository.SessionRepository
	historyRepo repository.CommandHistoryRepository

	// Transport and vendor dialects
	transport      *transport.Manager
	vendorRegistry *vendor.Registry

	// Event distribution
	eventBus *handler.EventBus
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "console-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := app.initializeTransport(); err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDatabase sets up database connection and runs migrations
func (app *Application) initializeDatabase() error {
	db, err := database.NewConnection(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	app.database = db

	app.migrator = database.NewMigrator(db, app.logger, &app.config.Database)
	if err := app.migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	app.sessionRepo = repository.NewSessionRepository(app.database, app.logger)
	app.historyRepo = repository.NewCommandHistoryRepository(app.database, app.logger)

	app.logger.Info("Repositories initialized successfully")
	return nil
}

// initializeTransport sets up the serial connection manager and the vendor
// adapter registry
func (app *Application) initializeTransport() error {
	app.vendorRegistry = vendor.NewRegistry(app.logger)

	app.transport = transport.NewManager(transport.ManagerConfig{
		MonitorInterval:      app.config.Serial.MonitorInterval,
		ReconnectBackoff:     app.config.Serial.ReconnectBackoff,
		MaxReconnectAttempts: app.config.Serial.MaxReconnectAttempts,
	}, app.logger)
	app.transport.Start()

	app.logger.Info("Transport initialized successfully",
		zap.Int("registered_vendors", len(app.vendorRegistry.ListVendors())),
	)
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.eventBus = handler.NewEventBus(app.logger)
	go app.eventBus.Start()

	app.sessionService = service.NewSessionService(
		app.transport,
		app.vendorRegistry,
		app.sessionRepo,
		app.historyRepo,
		app.eventBus,
		app.config,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.transport,
		app.sessionService,
		app.eventBus,
	)

	router := routerManager.SetupRouter()

	// Raw device output flows straight to attached terminal clients
	if wsHandler := routerManager.WebSocketHandler(); wsHandler != nil {
		app.transport.SetDataListener(wsHandler.BroadcastTerminalData)
	}

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)

	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices() {
	go app.startSessionCleanup()
	go app.startPeriodicSave()

	app.logger.Info("Background services started")
}

// startSessionCleanup purges stored sessions past the retention window
func (app *Application) startSessionCleanup() {
	ticker := time.NewTicker(app.config.Session.CleanupInterval)
	defer ticker.Stop()

	app.logger.Info("Session cleanup started",
		zap.Duration("interval", app.config.Session.CleanupInterval),
		zap.Duration("max_age", app.config.Session.MaxAge),
	)

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

		deleted, err := app.sessionService.PurgeOldSessions(ctx)
		if err != nil {
			app.logger.Error("Failed to purge old sessions", zap.Error(err))
		} else if deleted > 0 {
			app.logger.Info("Purged old sessions", zap.Int64("deleted", deleted))
		}

		// Long-term retention lives in the database itself
		if err := app.migrator.RunRetention(); err != nil {
			app.logger.Error("Retention cleanup failed", zap.Error(err))
		}

		cancel()
	}
}

// startPeriodicSave snapshots live sessions so command history survives a
// crash between state changes
func (app *Application) startPeriodicSave() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		app.sessionService.SaveAll(ctx)
		cancel()
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "console-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Disconnect sessions before the transport goes away
	app.sessionService.Cleanup(ctx)
	app.transport.Stop()
	app.eventBus.Stop()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}

	app.logger.Info("Application shutdown completed")
}

func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()

	app.waitForShutdown()

	return nil
}
