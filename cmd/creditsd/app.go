package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/internal/database"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/notify"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// application holds the wired service and the handles that must be closed on exit.
type application struct {
	service *credits.Service
	metrics *observability.Metrics
	driver  string
	pool    *pgxpool.Pool
	closers []func() error
}

func (app *application) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		_ = app.closers[index]()
	}
}

func buildApplication(ctx context.Context, cfg runtimeConfig, logger *zap.Logger) (*application, error) {
	app := &application{metrics: observability.NewMetrics()}

	gormDB, cleanup, driver, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, cleanup)
	app.driver = driver

	if driver == database.DriverSQLite {
		if err := database.PrepareSchema(gormDB, gormstore.Models()...); err != nil {
			app.Close()
			return nil, err
		}
	}
	if driver == database.DriverPostgres {
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		app.pool = pool
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
	}

	var store credits.Store
	switch cfg.Store {
	case storePgx:
		if app.pool == nil {
			app.Close()
			return nil, fmt.Errorf("%s=%s requires a postgres database", flagStore, storePgx)
		}
		store = pgstore.New(app.pool)
	default:
		store = gormstore.New(gormDB)
	}

	notifier, err := buildNotifier(ctx, cfg, logger, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	service, err := credits.NewService(store, time.Now,
		credits.WithOperationLogger(observability.NewOperationLogger(logger, app.metrics)),
		credits.WithNotifier(notifier),
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("credits service init: %w", err)
	}
	app.service = service
	return app, nil
}

func buildNotifier(ctx context.Context, cfg runtimeConfig, logger *zap.Logger, app *application) (credits.Notifier, error) {
	notifiers := notify.MultiNotifier{notify.NewLogNotifier(logger)}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	if cfg.RedisAddr == "" {
		return notifiers, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	app.closers = append(app.closers, client.Close)
	return notify.NewDedupNotifier(notifiers, client, 0), nil
}
