package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mani-agah/assessment/repository"
	"github.com/mani-agah/assessment/services"
)

func main() {
	// Setup structured logging with JSON format
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config := services.LoadConfig()
	ctx := context.Background()

	db, err := repository.Connect(ctx, repository.Options{
		URL:            config.Database.URL,
		LogLevel:       config.Database.LogLevel,
		MaxIdleConns:   config.Database.MaxIdleConns,
		MaxOpenConns:   config.Database.MaxOpenConns,
		ConnectTimeout: config.Database.ConnectTimeout,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to database")

	repo := repository.NewGORMRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	if config.Database.Seed {
		if err := services.NewDatabaseSeeder(repo, config.Admin).SeedDatabase(ctx); err != nil {
			slog.Error("Failed to seed database", "error", err)
			os.Exit(1)
		}
	}

	server := services.NewServer(config)
	server.SetDatabase(repo, db)
	if err := server.InitializeServices(ctx); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	server.Start()
}
