package credits

import (
	"context"
	"time"
)

// SweepExpired transitions every active award past its expiry to expired, then emits expiry warnings
// for awards entering one of the lookahead windows. Re-running it is safe: expired rows no longer
// match the selection. The first row update failure aborts the run with a partial result.
func (service *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	startedAt := time.Now()
	now := service.nowFn().UTC()
	result := SweepResult{Details: make([]ExpiredCreditDetail, 0)}

	operationError := service.expireAwards(ctx, now, &result)
	if operationError == nil {
		operationError = service.sendExpiryWarnings(ctx, now, &result)
	}
	result.Success = operationError == nil

	service.logOperation(ctx, OperationLog{
		Operation: OperationSweep,
		Count:     result.ExpiredCount,
		Duration:  time.Since(startedAt),
		Error:     operationError,
	})
	return result, operationError
}

func (service *Service) expireAwards(ctx context.Context, now time.Time, result *SweepResult) error {
	for {
		page, err := service.store.ListExpiredActiveAwards(ctx, now, service.sweepPageSize)
		if err != nil {
			return err
		}
		progressed := false
		for _, award := range page {
			changed, err := service.store.MarkAwardExpired(ctx, award.ID, now)
			if err != nil {
				result.FailedCount++
				return err
			}
			if !changed {
				continue
			}
			progressed = true
			result.ExpiredCount++
			if award.LockedAmount.IsPositive() {
				result.CreditsWithLockedAmount++
				result.Details = append(result.Details, ExpiredCreditDetail{
					AwardID:      award.ID,
					UserID:       award.UserID,
					AmountLocked: award.LockedAmount,
					ExpiredAt:    award.ExpiresAt,
				})
			}
		}
		if len(page) < service.sweepPageSize || !progressed {
			return nil
		}
	}
}

func (service *Service) sendExpiryWarnings(ctx context.Context, now time.Time, result *SweepResult) error {
	if service.notifier == nil {
		return nil
	}
	for _, days := range service.warningDays {
		from, to := WarningWindow(now, days)
		awards, err := service.store.ListAwardsExpiringBetween(ctx, from, to)
		if err != nil {
			return err
		}
		for _, award := range awards {
			if !award.IsUnlockable(now) {
				continue
			}
			warning := ExpiryWarning{
				AwardID:      award.ID,
				UserID:       award.UserID,
				LockedAmount: award.LockedAmount,
				ExpiresAt:    award.ExpiresAt,
				DaysBefore:   days,
			}
			notifyError := service.notifier.NotifyExpiryWarning(ctx, warning)
			if notifyError != nil {
				result.WarningsFailed++
			} else {
				result.WarningsSent++
			}
			service.logOperation(ctx, OperationLog{
				Operation: OperationWarn,
				UserID:    award.UserID,
				Amount:    award.LockedAmount,
				Count:     days,
				Error:     notifyError,
			})
		}
	}
	return nil
}

// WarningWindow returns the UTC calendar day that lies days after now, as a half-open interval.
func WarningWindow(now time.Time, days int) (time.Time, time.Time) {
	target := now.UTC().AddDate(0, 0, days)
	from := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}
