package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/luminbank/consent-engine/cmd/runutil"
	"gorm.io/gorm"
)

var (
	Env            = runutil.EnvValue("ENV", runutil.LocalEnvironment)
	DBSecretName   = runutil.EnvValue("DB_SECRET_NAME", "consentengine/db-credentials")
	MigrationsPath = runutil.EnvValue("MIGRATIONS_PATH", "file://db/migrations")
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.SetDefault(runutil.Logger())
	slog.Info("setting up db migration", "env", Env)

	awsConfig, err := runutil.AWSConfig(ctx, Env)
	if err != nil {
		slog.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}

	secretsClient := secretsmanager.NewFromConfig(*awsConfig)
	db, err := runutil.DB(ctx, secretsClient, DBSecretName)
	if err != nil {
		slog.Error("failed connecting to database", "error", err)
		os.Exit(1)
	}

	slog.Info("running database migrations")
	if err := runMigrations(db, MigrationsPath); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed successfully")
}

func runMigrations(db *gorm.DB, migrationsPath string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to run")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
