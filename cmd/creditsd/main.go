package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/internal/database"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/jobs"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/observability"
	"github.com/MarkoPoloResearchLab/awardcredits/internal/store/gormstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName        = "creditsd"
	riverStopTimeout   = 10 * time.Second
	tracingStopTimeout = 5 * time.Second
)

var errSweepFailed = errors.New("sweep did not complete")

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Awarded credits lock, unlock and expiry service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(cmd)
	cmd.AddCommand(newServeCommand(), newSweepCommand(), newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the admin gRPC API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.HTTP.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue awards and send expiry warnings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the credits schema and the river job tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), tracingStopTimeout)
		defer cancel()
		_ = shutdownTracing(stopCtx)
	}()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpcserver.NewServer(app.service, cfg.HTTP.ServiceToken, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTP, app.service, app.metrics, logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, listener, logger)
	})
	if cfg.Scheduler == schedulerRiver {
		if app.pool == nil {
			logger.Warn("river scheduler needs postgres; run `creditsd sweep` from cron instead", zap.String("driver", app.driver))
		} else {
			group.Go(func() error {
				return runRiver(groupCtx, cfg, app, logger)
			})
		}
	}
	return group.Wait()
}

func runRiver(ctx context.Context, cfg runtimeConfig, app *application, logger *zap.Logger) error {
	if err := jobs.Migrate(ctx, app.pool); err != nil {
		return err
	}
	client, err := jobs.NewClient(app.pool, app.service, cfg.SweepInterval, logger)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	logger.Info("river scheduler started", zap.Duration("sweep_interval", cfg.SweepInterval))
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), riverStopTimeout)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Warn("river stop error", zap.Error(err))
	}
	return nil
}

func runSweep(ctx context.Context, cfg runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.service.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errSweepFailed, err)
	}
	if !result.Success {
		return errSweepFailed
	}
	fmt.Fprintf(os.Stdout, "expired=%d with_locked=%d warnings_sent=%d warnings_failed=%d\n",
		result.ExpiredCount, result.CreditsWithLockedAmount, result.WarningsSent, result.WarningsFailed)
	return nil
}

func runMigrate(ctx context.Context, cfg runtimeConfig) error {
	gormDB, cleanup, driver, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := database.PrepareSchema(gormDB, gormstore.Models()...); err != nil {
		return err
	}
	if driver != database.DriverPostgres {
		return nil
	}
	pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()
	return jobs.Migrate(ctx, pool)
}
