// Package jobs schedules the expiry sweep on river.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const (
	sweepJobKind         = "sweep_expired_credits"
	defaultSweepInterval = time.Hour
	sweepQueueWorkers    = 1
)

// ErrSweepFailed marks a sweep run that returned a failed result.
var ErrSweepFailed = errors.New("jobs: sweep failed")

// Sweeper is the slice of the credits service the worker drives.
type Sweeper interface {
	SweepExpired(ctx context.Context) (credits.SweepResult, error)
}

// SweepExpiredArgs has no payload; each run sweeps everything due at execution time.
type SweepExpiredArgs struct{}

func (SweepExpiredArgs) Kind() string { return sweepJobKind }

// InsertOpts keeps at most one pending sweep per interval.
func (SweepExpiredArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: 5 * time.Minute},
	}
}

// SweepWorker runs one expiry sweep per job.
type SweepWorker struct {
	river.WorkerDefaults[SweepExpiredArgs]
	sweeper Sweeper
	logger  *zap.Logger
}

func NewSweepWorker(sweeper Sweeper, logger *zap.Logger) *SweepWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepWorker{sweeper: sweeper, logger: logger}
}

func (worker *SweepWorker) Work(ctx context.Context, job *river.Job[SweepExpiredArgs]) error {
	result, err := worker.sweeper.SweepExpired(ctx)
	worker.logger.Info("sweep job finished",
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Int("expired_count", result.ExpiredCount),
		zap.Int("credits_with_locked_amount", result.CreditsWithLockedAmount),
		zap.Int("warnings_sent", result.WarningsSent),
		zap.Int("warnings_failed", result.WarningsFailed),
		zap.Bool("success", result.Success),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSweepFailed, err)
	}
	if !result.Success {
		return ErrSweepFailed
	}
	return nil
}

// Timeout bounds a single sweep run.
func (worker *SweepWorker) Timeout(*river.Job[SweepExpiredArgs]) time.Duration {
	return 10 * time.Minute
}

// PeriodicSweepJob enqueues a sweep every interval and once at start.
func PeriodicSweepJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepExpiredArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// Migrate applies river's schema to the pool's database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("jobs: create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("jobs: migrate: %w", err)
	}
	return nil
}

// NewClient builds a river client that works the periodic sweep.
func NewClient(pool *pgxpool.Pool, sweeper Sweeper, interval time.Duration, logger *zap.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewSweepWorker(sweeper, logger)); err != nil {
		return nil, fmt.Errorf("jobs: register worker: %w", err)
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: sweepQueueWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{PeriodicSweepJob(interval)},
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: create client: %w", err)
	}
	return client, nil
}
