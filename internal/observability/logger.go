package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OperationLogger writes credits operations to zap and feeds the prometheus collectors.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger returns a credits.OperationLogger. metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if !entry.TopupTransactionID.IsZero() {
		fields = append(fields, zap.String("topup_transaction_id", entry.TopupTransactionID.String()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	switch entry.Operation {
	case credits.OperationSweep:
		fields = append(fields, zap.Int("expired_count", entry.Count), zap.Duration("duration", entry.Duration))
	case credits.OperationWarn:
		fields = append(fields, zap.Int("days_before", entry.Count))
	case credits.OperationUnlock:
		fields = append(fields, zap.Int("allocations", entry.Count))
	}
	if spanContext := trace.SpanContextFromContext(ctx); spanContext.HasTraceID() {
		fields = append(fields, zap.String("trace_id", spanContext.TraceID().String()))
	}

	switch entry.Status {
	case credits.OperationStatusError:
		operationLogger.logger.Error("credits operation failed", append(fields, zap.Error(entry.Error))...)
	case credits.OperationStatusNothing:
		operationLogger.logger.Info("credits operation had nothing to do", append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Info("credits operation", fields...)
	}
	operationLogger.record(entry)
}

func (operationLogger *OperationLogger) record(entry credits.OperationLog) {
	metrics := operationLogger.metrics
	if metrics == nil {
		return
	}
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	switch entry.Operation {
	case credits.OperationUnlock:
		if entry.Status == credits.OperationStatusOK {
			metrics.unlockedCredits.Add(entry.Amount.InexactFloat64())
		}
	case credits.OperationSweep:
		metrics.expiredAwards.Add(float64(entry.Count))
		metrics.sweepDuration.Observe(entry.Duration.Seconds())
	case credits.OperationWarn:
		metrics.expiryWarnings.WithLabelValues(entry.Status).Inc()
	}
}
