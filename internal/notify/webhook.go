package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/pkg/credits"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookBreakerName    = "expiry-webhook"
)

// ErrInvalidWebhookURL is returned when the webhook target is empty.
var ErrInvalidWebhookURL = errors.New("notify.webhook: url is required")

// ErrWebhookStatus reports a non-2xx webhook response.
var ErrWebhookStatus = errors.New("notify.webhook: unexpected status")

type webhookPayload struct {
	Event        string    `json:"event"`
	AwardID      string    `json:"award_id"`
	UserID       string    `json:"user_id"`
	LockedAmount string    `json:"locked_amount"`
	ExpiresAt    time.Time `json:"expires_at"`
	DaysBefore   int       `json:"days_before"`
}

// WebhookNotifier posts warnings as JSON. A circuit breaker stops hammering an unhealthy receiver.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// WebhookOption customizes a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(notifier *WebhookNotifier) {
		if client != nil {
			notifier.client = client
		}
	}
}

// WithBreakerSettings replaces the breaker trip policy.
func WithBreakerSettings(settings gobreaker.Settings) WebhookOption {
	return func(notifier *WebhookNotifier) {
		notifier.breaker = gobreaker.NewCircuitBreaker[struct{}](settings)
	}
}

func NewWebhookNotifier(url string, options ...WebhookOption) (*WebhookNotifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, ErrInvalidWebhookURL
	}
	notifier := &WebhookNotifier{
		url:    trimmed,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        webhookBreakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, option := range options {
		if option != nil {
			option(notifier)
		}
	}
	return notifier, nil
}

func (notifier *WebhookNotifier) NotifyExpiryWarning(ctx context.Context, warning credits.ExpiryWarning) error {
	body, err := json.Marshal(webhookPayload{
		Event:        "credits.expiry_warning",
		AwardID:      warning.AwardID.String(),
		UserID:       warning.UserID.String(),
		LockedAmount: warning.LockedAmount.StringFixed(2),
		ExpiresAt:    warning.ExpiresAt.UTC(),
		DaysBefore:   warning.DaysBefore,
	})
	if err != nil {
		return fmt.Errorf("notify.webhook: encode: %w", err)
	}
	_, err = notifier.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, notifier.post(ctx, body)
	})
	return err
}

func (notifier *WebhookNotifier) post(ctx context.Context, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify.webhook: request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := notifier.client.Do(request)
	if err != nil {
		return fmt.Errorf("notify.webhook: send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, response.StatusCode)
	}
	return nil
}
