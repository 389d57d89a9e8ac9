package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
)

type RetryPolicy struct {
	MaxRetries int
	// Backoff is the first wait; later waits grow exponentially with jitter.
	Backoff time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

type retryingProvider struct {
	next    Provider
	policy  RetryPolicy
	metrics *metrics.Metrics
}

// WithRetry retries transient provider failures. Webhook verification is local and is never retried.
func WithRetry(next Provider, policy RetryPolicy, m *metrics.Metrics) Provider {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &retryingProvider{next: next, policy: policy, metrics: m}
}

func (p *retryingProvider) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*Intent, error) {
	var intent *Intent
	err := p.retry(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = p.next.CreateIntent(ctx, amount, currency, metadata)
		return err
	})
	return intent, err
}

func (p *retryingProvider) GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error) {
	var status IntentStatus
	err := p.retry(ctx, "get_intent", func(ctx context.Context) error {
		var err error
		status, err = p.next.GetIntentStatus(ctx, intentID)
		return err
	})
	return status, err
}

func (p *retryingProvider) Refund(ctx context.Context, intentID string, amount *decimal.Decimal) (*Refund, error) {
	var refund *Refund
	err := p.retry(ctx, "refund", func(ctx context.Context) error {
		var err error
		refund, err = p.next.Refund(ctx, intentID, amount)
		return err
	})
	return refund, err
}

func (p *retryingProvider) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return p.next.VerifyWebhook(payload, signature)
}

func (p *retryingProvider) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if idempotencyKeyFrom(ctx) == "" {
		ctx = WithIdempotencyKey(ctx, uuid.Must(uuid.NewV4()).String())
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := p.attempt(ctx, fn)
		p.metrics.ProviderCall(op, err)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.policy.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("operation", op).Int("attempt", attempt).Dur("backoff", wait).Msg("payment: retrying provider call")
		})

	// context ended while waiting between attempts
	var pe *ProviderError
	if err != nil && !errors.As(err, &pe) && ctx.Err() != nil {
		return &ProviderError{Op: op, Retryable: true, Err: err}
	}
	return err
}

func (p *retryingProvider) newBackOff() backoff.BackOff {
	if p.policy.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.Backoff
	b.MaxInterval = 10 * p.policy.Backoff
	// attempts are bounded by MaxRetries, not by elapsed time
	b.MaxElapsedTime = 0
	return b
}

func (p *retryingProvider) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.policy.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	defer cancel()
	return fn(ctx)
}
