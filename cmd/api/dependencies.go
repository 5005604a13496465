package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	importhandler "github.com/FACorreiaa/budget-tracker/internal/domain/import/handler"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/oracle"
	importrepo "github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/budget-tracker/internal/domain/import/service"

	"github.com/FACorreiaa/budget-tracker/pkg/config"
	"github.com/FACorreiaa/budget-tracker/pkg/db"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	LedgerRepo importrepo.LedgerRepository

	// Services
	OracleClient  *oracle.Client
	ImportService *importservice.ImportService

	// Handlers
	ImportHandler *importhandler.ImportHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.LedgerRepo = importrepo.NewPostgresLedgerRepository(d.DB.Pool, d.Logger)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	client, err := oracle.NewClient(context.Background(), oracle.Config{
		APIKey:      d.Config.Oracle.APIKey,
		Model:       d.Config.Oracle.Model,
		ColumnModel: d.Config.Oracle.ColumnModel,
	}, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	d.OracleClient = client

	d.ImportService = importservice.NewImportService(d.LedgerRepo, d.OracleClient, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportService, d.Logger, d.Config.Server.MaxUploadBytes)

	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
