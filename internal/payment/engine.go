package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

const (
	sourceConfirm = "confirm"
	sourceWebhook = "webhook"
	sourceRefund  = "refund"
)

// Notifier receives committed payment outcomes.
type Notifier interface {
	order.Notifier
	RefundProcessed(ctx context.Context, o order.Order, amount decimal.Decimal)
}

type IntentResult struct {
	OrderID      uuid.UUID       `json:"order_id"`
	PaymentID    string          `json:"payment_id"`
	ClientSecret string          `json:"client_secret"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

type ConfirmResult struct {
	Order          *order.Order `json:"order"`
	Completed      bool         `json:"completed"`
	ProviderStatus IntentStatus `json:"provider_status,omitempty"`
}

type RefundResult struct {
	Order          *order.Order    `json:"order"`
	RefundID       string          `json:"refund_id"`
	Amount         decimal.Decimal `json:"amount"`
	RefundedToDate decimal.Decimal `json:"refunded_to_date"`
}

// Engine keeps payment_status and status consistent across the client confirm path,
// provider webhooks and refunds. Every write happens under the order row lock.
type Engine struct {
	orders   order.Repository
	tx       db.Transactor
	provider Provider
	notifier Notifier
	metrics  *metrics.Metrics
	currency string
	now      func() time.Time
}

func NewEngine(orders order.Repository, tx db.Transactor, provider Provider, notifier Notifier, m *metrics.Metrics, currency string) *Engine {
	return &Engine{
		orders:   orders,
		tx:       tx,
		provider: provider,
		notifier: notifier,
		metrics:  m,
		currency: currency,
		now:      time.Now,
	}
}

// CreateIntent opens a provider intent for the order total. The intent id is written only after
// the provider answered, and the row stays locked meanwhile so two callers cannot open two intents.
func (e *Engine) CreateIntent(ctx context.Context, orderID uuid.UUID) (*IntentResult, error) {
	var result *IntentResult
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := e.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus.Paid() || o.PaymentStatus == order.PaymentRefunded {
			return ErrAlreadyPaid
		}
		if o.Status != order.StatusPending {
			return ErrOrderNotPayable
		}

		intent, err := e.provider.CreateIntent(ctx, o.Total, e.currency, map[string]string{
			"order_id":     o.ID.String(),
			"order_number": o.Number,
			"user_id":      o.UserID.String(),
		})
		if err != nil {
			return err
		}

		if err := e.orders.UpdatePayment(ctx, o.ID, &intent.ID, order.PaymentPending, e.now().UTC()); err != nil {
			return err
		}
		result = &IntentResult{
			OrderID:      o.ID,
			PaymentID:    intent.ID,
			ClientSecret: intent.ClientSecret,
			Amount:       o.Total,
			Currency:     e.currency,
		}
		return nil
	})
	if err != nil {
		e.logFailure(err, orderID, "payment: failed to create payment intent")
		return nil, err
	}

	log.Info().Stringer("order_id", orderID).Str("payment_id", result.PaymentID).Msg("payment: payment intent created")
	return result, nil
}

// Confirm is the client path. It never trusts the client: the provider decides whether the
// intent succeeded.
func (e *Engine) Confirm(ctx context.Context, orderID uuid.UUID, claimedPaymentID string) (*ConfirmResult, error) {
	o, err := e.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentRef() == "" || o.PaymentRef() != claimedPaymentID {
		log.Warn().Stringer("order_id", orderID).Str("claimed_payment_id", claimedPaymentID).Msg("payment: confirm with foreign payment reference")
		return nil, &PaymentMismatchError{Expected: o.PaymentRef(), Claimed: claimedPaymentID}
	}
	if o.PaymentStatus == order.PaymentCompleted {
		return &ConfirmResult{Order: o, Completed: true, ProviderStatus: IntentSucceeded}, nil
	}

	status, err := e.provider.GetIntentStatus(ctx, claimedPaymentID)
	if err != nil {
		e.logFailure(err, orderID, "payment: failed to fetch intent status")
		return nil, err
	}
	if status != IntentSucceeded {
		e.metrics.PaymentEvent(sourceConfirm, "pending")
		log.Info().Stringer("order_id", orderID).Str("provider_status", string(status)).Msg("payment: payment not complete yet")
		return &ConfirmResult{Order: o, Completed: false, ProviderStatus: status}, nil
	}

	updated, err := e.markPaid(ctx, sourceConfirm, func(ctx context.Context) (*order.Order, error) {
		locked, err := e.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if locked.PaymentRef() != claimedPaymentID {
			return nil, &PaymentMismatchError{Expected: locked.PaymentRef(), Claimed: claimedPaymentID}
		}
		return locked, nil
	})
	if err != nil {
		e.logFailure(err, orderID, "payment: failed to confirm payment")
		return nil, err
	}
	return &ConfirmResult{Order: updated, Completed: true, ProviderStatus: status}, nil
}

// markPaid is the compare-and-swap shared by confirm and the webhook: payment_status moves to
// completed only if it is not there yet, in the same transaction as the CONFIRMED transition.
// Only the caller that wins the swap notifies.
func (e *Engine) markPaid(ctx context.Context, source string, lock func(ctx context.Context) (*order.Order, error)) (*order.Order, error) {
	var (
		updated *order.Order
		won     bool
		changed bool
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := lock(ctx)
		if err != nil {
			return err
		}
		if err := order.LoadLines(ctx, e.orders, o); err != nil {
			return err
		}
		updated = o

		switch o.PaymentStatus {
		case order.PaymentCompleted, order.PaymentPartiallyRefunded, order.PaymentRefunded:
			return nil
		}

		now := e.now().UTC()
		if err := e.orders.UpdatePayment(ctx, o.ID, o.PaymentID, order.PaymentCompleted, now); err != nil {
			return err
		}
		o.PaymentStatus = order.PaymentCompleted
		o.UpdatedAt = now
		won = true

		switch o.Status {
		case order.StatusPending:
			changed, err = order.Transition(ctx, e.orders, o, order.StatusConfirmed, "payment confirmed via "+source, now)
			return err
		case order.StatusConfirmed, order.StatusCancelled, order.StatusFailed:
			return nil
		default:
			log.Warn().Stringer("order_id", o.ID).Stringer("status", o.Status).Str("source", source).
				Msg("payment: payment completed for an order that is no longer pending")
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if won {
		e.metrics.PaymentEvent(source, "confirmed")
		log.Info().Stringer("order_id", updated.ID).Str("source", source).Msg("payment: payment completed")
		if changed {
			e.metrics.StatusTransition(order.StatusConfirmed.String())
			e.notifier.OrderStatusChanged(ctx, *updated, order.StatusPending)
		}
	} else {
		e.metrics.PaymentEvent(source, "duplicate")
		log.Info().Stringer("order_id", updated.ID).Str("source", source).Msg("payment: payment already completed, nothing to do")
	}

	// also runs on redelivery, so a refund that failed the first time is retried
	if updated.PaymentStatus == order.PaymentCompleted && unfulfillable(updated.Status) {
		return e.refundLateCapture(ctx, source, updated)
	}
	return updated, nil
}

func unfulfillable(s order.Status) bool {
	return s == order.StatusCancelled || s == order.StatusFailed
}

// refundLateCapture gives back a payment that succeeded after the order was cancelled or failed.
func (e *Engine) refundLateCapture(ctx context.Context, source string, o *order.Order) (*order.Order, error) {
	log.Warn().Stringer("order_id", o.ID).Stringer("status", o.Status).Str("source", source).
		Msg("payment: payment captured for an order that will not be fulfilled, refunding")

	res, err := e.Refund(ctx, o.ID, nil)
	if errors.Is(err, ErrNotPaid) {
		// refunded concurrently
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment: failed to refund late payment of order %s: %w", o.ID, err)
	}
	return res.Order, nil
}

// HandleWebhook verifies the signature before anything in the payload is trusted. Events for
// unknown payment ids are acknowledged so the provider stops redelivering them.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	ev, err := e.provider.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMissingSignature) {
			e.metrics.PaymentEvent(sourceWebhook, "rejected")
			log.Warn().Err(err).Bool("security_event", true).Msg("payment: webhook signature rejected")
			return err
		}
		log.Warn().Err(err).Msg("payment: webhook payload rejected")
		return err
	}

	logger := log.With().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Str("payment_id", ev.IntentID).Logger()

	switch ev.Type {
	case EventPaymentSucceeded:
		_, err = e.markPaid(ctx, sourceWebhook, func(ctx context.Context) (*order.Order, error) {
			return e.orders.GetByPaymentIDForUpdate(ctx, ev.IntentID)
		})
	case EventPaymentFailed:
		err = e.markFailed(ctx, ev)
	case EventChargeRefunded:
		err = e.applyProviderRefund(ctx, ev)
	default:
		logger.Debug().Msg("payment: ignoring webhook event type")
		return nil
	}

	if errors.Is(err, order.ErrOrderNotFound) {
		e.metrics.PaymentEvent(sourceWebhook, "unmatched")
		logger.Warn().Msg("payment: webhook for unknown payment id acknowledged")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("payment: failed to apply webhook event")
		return fmt.Errorf("payment: failed to apply %s: %w", ev.Type, err)
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, ev *Event) error {
	reason := ev.FailureMessage
	if reason == "" {
		reason = "no reason given"
	}

	var recorded bool
	var orderID uuid.UUID
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := e.orders.GetByPaymentIDForUpdate(ctx, ev.IntentID)
		if err != nil {
			return err
		}
		orderID = o.ID

		// a late failure of an earlier attempt must not undo a captured payment
		if o.PaymentStatus != order.PaymentPending && o.PaymentStatus != order.PaymentNone {
			return nil
		}

		now := e.now().UTC()
		if err := e.orders.UpdatePayment(ctx, o.ID, o.PaymentID, order.PaymentFailed, now); err != nil {
			return err
		}
		if err := e.orders.AppendHistory(ctx, o.ID, o.Status, "payment failed: "+reason, now); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return err
	}

	if recorded {
		e.metrics.PaymentEvent(sourceWebhook, "failed")
		log.Info().Stringer("order_id", orderID).Str("reason", reason).Msg("payment: payment failure recorded")
	} else {
		e.metrics.PaymentEvent(sourceWebhook, "duplicate")
	}
	return nil
}

// Refund asks the provider for money back and merges the result into the refund ledger. A nil
// amount refunds whatever is still refundable.
func (e *Engine) Refund(ctx context.Context, orderID uuid.UUID, amount *decimal.Decimal) (*RefundResult, error) {
	if amount != nil && !amount.IsPositive() {
		return nil, &InvalidAmountError{Amount: *amount}
	}

	var (
		result  *RefundResult
		outcome refundOutcome
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := e.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.PaymentStatus.Paid() || o.PaymentID == nil {
			return &NotPaidError{Status: o.PaymentStatus}
		}
		if err := order.LoadLines(ctx, e.orders, o); err != nil {
			return err
		}

		refunded, err := e.orders.RefundedTotal(ctx, o.ID)
		if err != nil {
			return err
		}
		remaining := o.Total.Sub(refunded)
		if !remaining.IsPositive() {
			return &NotPaidError{Status: order.PaymentRefunded}
		}
		if amount != nil && (amount.GreaterThan(o.Total) || amount.GreaterThan(remaining)) {
			return &InvalidAmountError{Amount: *amount, Limit: remaining}
		}

		refund, err := e.provider.Refund(ctx, *o.PaymentID, amount)
		if err != nil {
			return err
		}

		from := o.Status
		outcome, err = e.mergeRefunds(ctx, o, []Refund{*refund}, decimal.Zero)
		if err != nil {
			return err
		}
		outcome.from = from
		result = &RefundResult{
			Order:          o,
			RefundID:       refund.ID,
			Amount:         refund.Amount,
			RefundedToDate: outcome.refundedToDate,
		}
		return nil
	})
	if err != nil {
		e.logFailure(err, orderID, "payment: failed to refund order")
		return nil, err
	}

	e.afterRefund(ctx, sourceRefund, result.Order, outcome)
	return result, nil
}

func (e *Engine) applyProviderRefund(ctx context.Context, ev *Event) error {
	var (
		updated *order.Order
		outcome refundOutcome
	)
	err := e.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := e.orders.GetByPaymentIDForUpdate(ctx, ev.IntentID)
		if err != nil {
			return err
		}
		if err := order.LoadLines(ctx, e.orders, o); err != nil {
			return err
		}
		from := o.Status
		outcome, err = e.mergeRefunds(ctx, o, ev.Refunds, ev.AmountRefunded)
		if err != nil {
			return err
		}
		outcome.from = from
		updated = o
		return nil
	})
	if err != nil {
		return err
	}

	e.afterRefund(ctx, sourceWebhook, updated, outcome)
	return nil
}

type refundOutcome struct {
	from           order.Status
	newlyRefunded  decimal.Decimal
	refundedToDate decimal.Decimal
	statusChanged  bool
}

// mergeRefunds records refunds it has not seen, then derives payment_status from the total
// refunded to date. Running it twice with the same refunds changes nothing.
func (e *Engine) mergeRefunds(ctx context.Context, o *order.Order, refunds []Refund, providerCumulative decimal.Decimal) (refundOutcome, error) {
	out := refundOutcome{newlyRefunded: decimal.Zero}

	for _, r := range refunds {
		if r.ID == "" || !r.Amount.IsPositive() || r.Status == "failed" || r.Status == "canceled" {
			continue
		}
		inserted, err := e.orders.RecordRefund(ctx, o.ID, r.ID, r.Amount)
		if err != nil {
			return out, err
		}
		if inserted {
			out.newlyRefunded = out.newlyRefunded.Add(r.Amount)
		}
	}

	ledger, err := e.orders.RefundedTotal(ctx, o.ID)
	if err != nil {
		return out, err
	}
	out.refundedToDate = decimal.Max(ledger, providerCumulative)

	desired := DesiredPaymentStatus(o.Total, out.refundedToDate, o.PaymentStatus)
	now := e.now().UTC()
	if desired != o.PaymentStatus {
		if err := e.orders.UpdatePayment(ctx, o.ID, o.PaymentID, desired, now); err != nil {
			return out, err
		}
		o.PaymentStatus = desired
		o.UpdatedAt = now
	}

	if desired == order.PaymentRefunded && !o.Status.IsTerminal() {
		out.statusChanged, err = order.Transition(ctx, e.orders, o, order.StatusCancelled, "payment fully refunded", now)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// DesiredPaymentStatus never moves backwards: refunded beats partially_refunded beats the rest.
func DesiredPaymentStatus(total, refundedToDate decimal.Decimal, current order.PaymentStatus) order.PaymentStatus {
	switch {
	case current == order.PaymentRefunded:
		return current
	case refundedToDate.GreaterThanOrEqual(total) && total.IsPositive():
		return order.PaymentRefunded
	case refundedToDate.IsPositive():
		return order.PaymentPartiallyRefunded
	default:
		return current
	}
}

func (e *Engine) afterRefund(ctx context.Context, source string, o *order.Order, outcome refundOutcome) {
	if outcome.newlyRefunded.IsPositive() {
		amount, _ := outcome.newlyRefunded.Float64()
		e.metrics.Refunded(amount)
		e.metrics.PaymentEvent(source, "refunded")
		log.Info().
			Stringer("order_id", o.ID).
			Str("amount", outcome.newlyRefunded.StringFixed(2)).
			Str("refunded_to_date", outcome.refundedToDate.StringFixed(2)).
			Stringer("payment_status", o.PaymentStatus).
			Msg("payment: refund recorded")
		e.notifier.RefundProcessed(ctx, *o, outcome.newlyRefunded)
	} else {
		e.metrics.PaymentEvent(source, "duplicate")
	}

	if outcome.statusChanged {
		e.metrics.StatusTransition(order.StatusCancelled.String())
		e.notifier.OrderStatusChanged(ctx, *o, outcome.from)
	}
}

func (e *Engine) logFailure(err error, orderID uuid.UUID, msg string) {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		log.Error().Err(err).Stringer("order_id", orderID).Bool("retryable", IsRetryable(err)).Msg(msg)
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, ErrOrderNotPayable),
		errors.Is(err, ErrPaymentMismatch),
		errors.Is(err, ErrNotPaid),
		errors.Is(err, ErrInvalidAmount):
		log.Warn().Err(err).Stringer("order_id", orderID).Msg(msg)
	default:
		log.Error().Err(err).Stringer("order_id", orderID).Msg(msg)
	}
}
