// Package notify delivers expiry warnings produced by the credits sweeper.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dedupKeyPrefix  = "credits:expiry-warning"
	defaultDedupTTL = 48 * time.Hour
)

// LogNotifier writes each warning to zap. It is the fallback when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) NotifyExpiryWarning(_ context.Context, warning credits.ExpiryWarning) error {
	notifier.logger.Info("awarded credits expiring",
		zap.String("award_id", warning.AwardID.String()),
		zap.String("user_id", warning.UserID.String()),
		zap.String("locked_amount", warning.LockedAmount.String()),
		zap.Time("expires_at", warning.ExpiresAt),
		zap.Int("days_before", warning.DaysBefore),
	)
	return nil
}

// MultiNotifier fans a warning out to every notifier and joins their failures.
type MultiNotifier []credits.Notifier

func (notifiers MultiNotifier) NotifyExpiryWarning(ctx context.Context, warning credits.ExpiryWarning) error {
	var failures []error
	for _, notifier := range notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.NotifyExpiryWarning(ctx, warning); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// KeyClaimer is the subset of the redis client used for deduplication.
type KeyClaimer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// DedupNotifier suppresses repeated warnings for the same award and window across sweeper replicas.
type DedupNotifier struct {
	next    credits.Notifier
	claimer KeyClaimer
	ttl     time.Duration
}

func NewDedupNotifier(next credits.Notifier, claimer KeyClaimer, ttl time.Duration) *DedupNotifier {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupNotifier{next: next, claimer: claimer, ttl: ttl}
}

func (notifier *DedupNotifier) NotifyExpiryWarning(ctx context.Context, warning credits.ExpiryWarning) error {
	claimed, err := notifier.claimer.SetNX(ctx, DedupKey(warning), warning.ExpiresAt.UTC().Format(time.RFC3339), notifier.ttl).Result()
	if err != nil {
		return fmt.Errorf("notify.dedup: claim: %w", err)
	}
	if !claimed {
		return nil
	}
	return notifier.next.NotifyExpiryWarning(ctx, warning)
}

// DedupKey identifies one warning for one award and lookahead window.
func DedupKey(warning credits.ExpiryWarning) string {
	return fmt.Sprintf("%s:%s:%d", dedupKeyPrefix, warning.AwardID.String(), warning.DaysBefore)
}
