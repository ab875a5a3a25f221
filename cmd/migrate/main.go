package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/migrations"
	"github.com/noah-isme/devspace-api/pkg/config"
	"github.com/noah-isme/devspace-api/pkg/database"
	"github.com/noah-isme/devspace-api/pkg/logger"
)

func main() {
	command := flag.String("cmd", "up", "migration command: up, status or version")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx := context.Background()
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	switch *command {
	case "up":
		if err := database.Migrate(ctx, db.DB, migrations.FS); err != nil {
			logr.Fatal("migration failed", zap.Error(err))
		}
		logr.Info("migrations applied")
	case "status":
		if err := database.MigrationStatus(ctx, db.DB, migrations.FS); err != nil {
			logr.Fatal("status failed", zap.Error(err))
		}
	case "version":
		version, err := database.MigrationVersion(ctx, db.DB, migrations.FS)
		if err != nil {
			logr.Fatal("version lookup failed", zap.Error(err))
		}
		logr.Info("current migration version", zap.Int64("version", version))
	default:
		logr.Fatal("unknown command", zap.String("cmd", *command))
	}
}
