package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const defaultWebhookTolerance = 5 * time.Minute

type StripeConfig struct {
	BaseURL          string
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration
	Timeout          time.Duration
}

// StripeClient adapts stripe-go to Provider. The SDK's own network retries are off, WithRetry owns them.
type StripeClient struct {
	cfg StripeConfig
	api *client.API
}

func NewStripeClient(cfg StripeConfig) *StripeClient {
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeClient{
		cfg: cfg,
		api: client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
	}
}

func (c *StripeClient) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(amount)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(requestKey(ctx))

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, providerError("create_intent", err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: IntentStatus(pi.Status)}, nil
}

func (c *StripeClient) GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return "", providerError("get_intent", err)
	}
	return IntentStatus(pi.Status), nil
}

func (c *StripeClient) Refund(ctx context.Context, intentID string, amount *decimal.Decimal) (*Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	if amount != nil {
		params.Amount = stripe.Int64(ToMinorUnits(*amount))
	}
	params.Context = ctx
	params.SetIdempotencyKey(requestKey(ctx))

	r, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, providerError("refund", err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: FromMinorUnits(r.Amount)}, nil
}

func requestKey(ctx context.Context) string {
	if key := idempotencyKeyFrom(ctx); key != "" {
		return key
	}
	return uuid.Must(uuid.NewV4()).String()
}

// providerError maps SDK and transport failures onto ProviderError. API errors carry the HTTP
// status; anything without one never reached the provider.
func providerError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = http.StatusText(se.HTTPStatusCode)
		}
		return &ProviderError{
			Op:         op,
			StatusCode: se.HTTPStatusCode,
			Code:       string(se.Code),
			Message:    msg,
			Retryable:  se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError,
		}
	}
	return &ProviderError{Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
}

// VerifyWebhook checks the Stripe-Signature header before the payload is parsed at all.
func (c *StripeClient) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if signature == "" {
		return nil, ErrMissingSignature
	}

	raw, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.cfg.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrNotSigned):
		return nil, ErrMissingSignature
	case errors.Is(err, webhook.ErrInvalidHeader):
		return nil, &InvalidSignatureError{Reason: "malformed signature header"}
	case errors.Is(err, webhook.ErrTooOld):
		return nil, &InvalidSignatureError{Reason: "timestamp outside tolerance"}
	case errors.Is(err, webhook.ErrNoValidSignature):
		return nil, &InvalidSignatureError{Reason: "no matching signature"}
	default:
		// signature matched, the body is not an event
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	return toEvent(raw)
}

func toEvent(raw stripe.Event) (*Event, error) {
	ev := &Event{ID: raw.ID, Type: EventType(raw.Type)}

	switch ev.Type {
	case EventPaymentSucceeded, EventPaymentFailed, EventChargeRefunded:
	default:
		return ev, nil
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedWebhook, ev.ID)
	}

	if ev.Type == EventChargeRefunded {
		var charge stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		if charge.PaymentIntent != nil {
			ev.IntentID = charge.PaymentIntent.ID
		}
		ev.Amount = FromMinorUnits(charge.Amount)
		ev.AmountRefunded = FromMinorUnits(charge.AmountRefunded)
		if charge.Refunds != nil {
			for _, r := range charge.Refunds.Data {
				ev.Refunds = append(ev.Refunds, Refund{ID: r.ID, Status: string(r.Status), Amount: FromMinorUnits(r.Amount)})
			}
		}
	} else {
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		ev.IntentID = intent.ID
		if intent.LastPaymentError != nil {
			ev.FailureMessage = intent.LastPaymentError.Msg
		}
	}

	if ev.IntentID == "" {
		return nil, fmt.Errorf("%w: event %s carries no payment intent", ErrMalformedWebhook, ev.ID)
	}
	return ev, nil
}

// stripeLogger routes SDK logs into zerolog. Request chatter goes to debug.
type stripeLogger struct{}

func (stripeLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Infof(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Errorf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

var _ Provider = (*StripeClient)(nil)
