package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
)

func newTestClient(url string) *payment.StripeClient {
	return payment.NewStripeClient(payment.StripeConfig{
		BaseURL:       url,
		SecretKey:     "sk_test",
		WebhookSecret: webhookSecret,
		Timeout:       time.Second,
	})
}

func TestStripeClient_CreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "2320", r.PostForm.Get("amount"))
		assert.Equal(t, "mxn", r.PostForm.Get("currency"))
		assert.Equal(t, "20250307-0001", r.PostForm.Get("metadata[order_number]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret_abc","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	intent, err := newTestClient(srv.URL).CreateIntent(context.Background(), decimal.RequireFromString("23.20"), "MXN", map[string]string{"order_number": "20250307-0001"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.Equal(t, payment.IntentRequiresPaymentMethod, intent.Status)
}

func TestStripeClient_Refund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "pi_123", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "2000", r.PostForm.Get("amount"))
		_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded","amount":2000}`))
	}))
	defer srv.Close()

	amount := decimal.RequireFromString("20.00")
	refund, err := newTestClient(srv.URL).Refund(context.Background(), "pi_123", &amount)
	require.NoError(t, err)
	assert.Equal(t, "re_1", refund.ID)
	assert.True(t, refund.Amount.Equal(amount))
}

func TestStripeClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "card error", status: http.StatusPaymentRequired, retryable: false},
		{name: "bad request", status: http.StatusBadRequest, retryable: false},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "server error", status: http.StatusBadGateway, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).GetIntentStatus(context.Background(), "pi_1")

			var pe *payment.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "Your card was declined.", pe.Message)
			assert.Equal(t, tt.retryable, payment.IsRetryable(err))
			assert.ErrorIs(t, err, payment.ErrProviderUnavailable)
		})
	}
}

func TestStripeClient_VerifyWebhook_ParsesRefund(t *testing.T) {
	client := newTestClient("http://unused")
	body := `{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_1","amount":5000,"amount_refunded":2000,"payment_intent":"pi_1","refunds":{"data":[{"id":"re_1","amount":2000,"status":"succeeded"}]}}}}`
	now := time.Now()

	// несколько v1: достаточно одной совпавшей подписи
	ev, err := client.VerifyWebhook([]byte(body), signatureHeader(webhookSecret, now, body)+",v1=deadbeef")
	require.NoError(t, err)

	assert.Equal(t, payment.EventChargeRefunded, ev.Type)
	assert.Equal(t, "pi_1", ev.IntentID)
	assert.Equal(t, "50.00", ev.Amount.StringFixed(2))
	assert.Equal(t, "20.00", ev.AmountRefunded.StringFixed(2))
	require.Len(t, ev.Refunds, 1)
	assert.Equal(t, "re_1", ev.Refunds[0].ID)
}

func TestStripeClient_VerifyWebhook_TamperedPayload(t *testing.T) {
	client := newTestClient("http://unused")
	sig := signatureHeader(webhookSecret, time.Now(), `{"id":"evt_1"}`)

	_, err := client.VerifyWebhook([]byte(`{"id":"evt_2"}`), sig)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

type flakyProvider struct {
	*fakeProvider
	failures  int32
	calls     int32
	permanent bool
}

func (p *flakyProvider) GetIntentStatus(ctx context.Context, id string) (payment.IntentStatus, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failures {
		if p.permanent {
			return "", &payment.ProviderError{Op: "get_intent", StatusCode: 404, Message: "no such intent"}
		}
		return "", &payment.ProviderError{Op: "get_intent", Retryable: true, Err: errors.New("connection reset")}
	}
	return payment.IntentSucceeded, nil
}

func TestWithRetry(t *testing.T) {
	policy := payment.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, Timeout: time.Second}

	t.Run("recovers from transient failures", func(t *testing.T) {
		p := &flakyProvider{fakeProvider: newFakeProvider(), failures: 2}
		status, err := payment.WithRetry(p, policy, nil).GetIntentStatus(context.Background(), "pi_1")
		require.NoError(t, err)
		assert.Equal(t, payment.IntentSucceeded, status)
		assert.EqualValues(t, 3, p.calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		p := &flakyProvider{fakeProvider: newFakeProvider(), failures: 10}
		_, err := payment.WithRetry(p, policy, nil).GetIntentStatus(context.Background(), "pi_1")
		require.Error(t, err)
		assert.True(t, payment.IsRetryable(err))
		assert.EqualValues(t, 3, p.calls)
	})

	t.Run("business rejection is not retried", func(t *testing.T) {
		p := &flakyProvider{fakeProvider: newFakeProvider(), failures: 10, permanent: true}
		_, err := payment.WithRetry(p, policy, nil).GetIntentStatus(context.Background(), "pi_1")
		require.Error(t, err)
		assert.False(t, payment.IsRetryable(err))
		assert.EqualValues(t, 1, p.calls)
	})
}

func TestWithRetry_ReusesIdempotencyKey(t *testing.T) {
	var calls int32
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try again"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"pi_1","client_secret":"s","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	provider := payment.WithRetry(newTestClient(srv.URL), payment.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}, nil)
	_, err := provider.CreateIntent(context.Background(), decimal.RequireFromString("10.00"), "mxn", nil)
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestStripeClient_VerifyWebhook_PaymentFailed(t *testing.T) {
	client := newTestClient("http://unused")
	body := `{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","status":"requires_payment_method","last_payment_error":{"message":"Your card has insufficient funds."}}}}`

	ev, err := client.VerifyWebhook([]byte(body), signatureHeader(webhookSecret, time.Now(), body))
	require.NoError(t, err)
	assert.Equal(t, payment.EventPaymentFailed, ev.Type)
	assert.Equal(t, "pi_9", ev.IntentID)
	assert.Equal(t, "Your card has insufficient funds.", ev.FailureMessage)
}

func TestStripeClient_VerifyWebhook_Malformed(t *testing.T) {
	client := newTestClient("http://unused")

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not json at all`},
		{name: "no intent", body: `{"id":"evt_3","type":"payment_intent.succeeded","data":{"object":{"status":"succeeded"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.VerifyWebhook([]byte(tt.body), signatureHeader(webhookSecret, time.Now(), tt.body))
			require.ErrorIs(t, err, payment.ErrMalformedWebhook)
			assert.NotErrorIs(t, err, payment.ErrInvalidSignature)
		})
	}
}

func TestWithRetry_StopsWhenContextEnds(t *testing.T) {
	p := &flakyProvider{fakeProvider: newFakeProvider(), failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := payment.WithRetry(p, payment.RetryPolicy{MaxRetries: 5, Backoff: time.Hour}, nil).GetIntentStatus(ctx, "pi_1")
	require.Error(t, err)
	assert.True(t, payment.IsRetryable(err))
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)
	assert.EqualValues(t, 1, p.calls)
}
