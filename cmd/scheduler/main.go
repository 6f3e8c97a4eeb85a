package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/luminbank/consent-engine/cmd/runutil"
	"github.com/luminbank/consent-engine/internal/consent"
)

var (
	Env          = runutil.EnvValue("ENV", runutil.LocalEnvironment)
	DBSecretName = runutil.EnvValue("DB_SECRET_NAME", "consentengine/db-credentials")
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.SetDefault(runutil.Logger())
	slog.Info("setting up consent engine scheduler", "env", Env)

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

	// The expiration sweep never revokes tokens itself, so no revocation
	// client is wired here.
	consentService := consent.NewService(db, nil)

	sweep := func(ctx context.Context) error {
		slog.InfoContext(ctx, "running consent expiration sweep")
		if err := consentService.Expire(ctx); err != nil {
			slog.ErrorContext(ctx, "expiration sweep finished with errors", "error", err)
			return err
		}
		slog.InfoContext(ctx, "expiration sweep completed")
		return nil
	}

	if Env == runutil.LocalEnvironment {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sweep(ctx)
			}
		}
	}

	lambda.Start(sweep)
}
