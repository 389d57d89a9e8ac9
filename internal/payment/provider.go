package payment

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
)

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventChargeRefunded   EventType = "charge.refunded"
)

type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
}

type Refund struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// Event is a verified webhook event reduced to the fields reconciliation needs.
type Event struct {
	ID             string
	Type           EventType
	IntentID       string
	FailureMessage string
	// Amount and AmountRefunded are only set for charge events.
	Amount         decimal.Decimal
	AmountRefunded decimal.Decimal
	Refunds        []Refund
}

type Provider interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*Intent, error)
	GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error)
	// Refund returns the whole remaining amount when amount is nil.
	Refund(ctx context.Context, intentID string, amount *decimal.Decimal) (*Refund, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

var ErrProviderUnavailable = errors.New("payment: provider temporarily unavailable")

// ProviderError is any failure reported by, or on the way to, the payment provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("payment: provider %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("payment: provider %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("payment: provider %s failed: %s", e.Op, e.Message)
	}
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProviderUnavailable, e.Err}
	}
	return []error{ErrProviderUnavailable}
}

// IsRetryable reports transient provider failures: timeouts, dropped connections, 429 and 5xx.
// Business rejections from the provider are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type idempotencyKey struct{}

// WithIdempotencyKey makes every attempt of one logical provider call reuse the same key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// ToMinorUnits converts a two-decimal amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
