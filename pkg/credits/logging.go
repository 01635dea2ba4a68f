package credits

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a credits operation and its outcome.
type OperationLog struct {
	Operation          string
	UserID             UserID
	TopupTransactionID TopupTransactionID
	Amount             decimal.Decimal
	Count              int
	Duration           time.Duration
	Status             string
	Error              error
}

// Notifier delivers expiry warnings to the owning user through an external channel.
type Notifier interface {
	NotifyExpiryWarning(ctx context.Context, warning ExpiryWarning) error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the collaborator that receives expiry warnings from SweepExpired.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithExpiringWindow overrides how far ahead expiring credits are reported (default 30 days).
func WithExpiringWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		if window > 0 {
			service.expiringWindow = window
		}
	}
}

// WithWarningDays overrides the lookahead windows for expiry warnings (default 7, 3, 1).
func WithWarningDays(days ...int) ServiceOption {
	return func(service *Service) {
		filtered := make([]int, 0, len(days))
		for _, day := range days {
			if day > 0 {
				filtered = append(filtered, day)
			}
		}
		service.warningDays = filtered
	}
}

// WithSweepPageSize bounds how many expired rows are loaded per sweeper page.
func WithSweepPageSize(size int) ServiceOption {
	return func(service *Service) {
		if size > 0 {
			service.sweepPageSize = size
		}
	}
}

// WithUnlockTimeout bounds the detached unlock transaction.
func WithUnlockTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.unlockTimeout = timeout
		}
	}
}
