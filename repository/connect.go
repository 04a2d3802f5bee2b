package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options controls how the database pool is opened.
type Options struct {
	URL            string
	LogLevel       string
	MaxIdleConns   int
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// Connect opens a pooled postgres connection, retrying with exponential
// backoff until the database answers a ping or ConnectTimeout elapses.
func Connect(ctx context.Context, opts Options) (*gorm.DB, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	return connect(ctx, postgres.Open(opts.URL), opts)
}

func connect(ctx context.Context, dialector gorm.Dialector, opts Options) (*gorm.DB, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = opts.ConnectTimeout
	if expo.MaxElapsedTime <= 0 {
		expo.MaxElapsedTime = 30 * time.Second
	}

	var db *gorm.DB
	op := func() error {
		conn, err := gorm.Open(dialector, &gorm.Config{
			Logger:         logger.Default.LogMode(ParseLogLevel(opts.LogLevel)),
			TranslateError: true,
		})
		if err != nil {
			return err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return err
		}
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
		db = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Database not ready, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(expo, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("Connected to database", "max_idle_conns", opts.MaxIdleConns, "max_open_conns", opts.MaxOpenConns)
	return db, nil
}

// ParseLogLevel maps a config string to a gorm log level. Unknown values are silent.
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}
