package cancellation

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
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
)

var ErrCancellationWindowExpired = errors.New("cancellation: order can no longer be cancelled")

type CancellationWindowExpiredError struct {
	OrderID uuid.UUID
	Status  order.Status
	Reason  string
}

func (e *CancellationWindowExpiredError) Error() string {
	return fmt.Sprintf("cancellation: order %s in status %s cannot be cancelled: %s", e.OrderID, e.Status, e.Reason)
}

func (e *CancellationWindowExpiredError) Unwrap() error { return ErrCancellationWindowExpired }

// Policy decides whether an order may still be cancelled. Window applies to orders without a
// scheduled time, Blackout to the period right before a scheduled time.
type Policy struct {
	Window   time.Duration
	Blackout time.Duration
}

var uncancellable = map[order.Status]bool{
	order.StatusDelivered:      true,
	order.StatusCompleted:      true,
	order.StatusCancelled:      true,
	order.StatusOutForDelivery: true,
}

func (p Policy) CanCancel(o *order.Order, now time.Time) bool {
	return p.check(o, now) == ""
}

func (p Policy) check(o *order.Order, now time.Time) string {
	if uncancellable[o.Status] {
		return "status does not allow cancellation"
	}
	if o.ScheduledFor != nil {
		if !now.Before(o.ScheduledFor.Add(-p.Blackout)) {
			return "too close to the scheduled time"
		}
		return ""
	}
	if now.Sub(o.CreatedAt) > p.Window {
		return "cancellation window has passed"
	}
	return ""
}

type Refunder interface {
	Refund(ctx context.Context, orderID uuid.UUID, amount *decimal.Decimal) (*payment.RefundResult, error)
}

type Result struct {
	Order *order.Order `json:"order"`
	// RefundError is set when the order was cancelled but the automatic refund did not go through.
	RefundError string `json:"refund_error,omitempty"`
}

type Service struct {
	orders   order.Repository
	tx       db.Transactor
	refunder Refunder
	notifier order.Notifier
	metrics  *metrics.Metrics
	policy   Policy
	now      func() time.Time
}

func NewService(orders order.Repository, tx db.Transactor, refunder Refunder, notifier order.Notifier, m *metrics.Metrics, policy Policy) *Service {
	return &Service{
		orders:   orders,
		tx:       tx,
		refunder: refunder,
		notifier: notifier,
		metrics:  m,
		policy:   policy,
		now:      time.Now,
	}
}

func (s *Service) Policy() Policy {
	return s.policy
}

// CanCancel answers for display only. Cancel checks again under the row lock.
func (s *Service) CanCancel(ctx context.Context, orderID uuid.UUID) (bool, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	return s.policy.CanCancel(o, s.now().UTC()), nil
}

// Cancel moves the order to CANCELLED and refunds it when the payment was captured. The refund
// runs after the cancellation committed; if it fails the order stays cancelled and the error is
// reported in the result for a manual retry.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, actor string) (*Result, error) {
	var (
		cancelled *order.Order
		from      order.Status
		changed   bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status

		now := s.now().UTC()
		if reason := s.policy.check(o, now); reason != "" {
			return &CancellationWindowExpiredError{OrderID: o.ID, Status: o.Status, Reason: reason}
		}

		changed, err = order.Transition(ctx, s.orders, o, order.StatusCancelled, "cancelled by "+actor, now)
		if err != nil {
			return err
		}
		if err := order.LoadLines(ctx, s.orders, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCancellationWindowExpired) || errors.Is(err, order.ErrOrderNotFound) || errors.Is(err, order.ErrInvalidTransition) {
			log.Warn().Err(err).Stringer("order_id", orderID).Str("actor", actor).Msg("cancellation: cancel rejected")
			return nil, err
		}
		log.Error().Err(err).Stringer("order_id", orderID).Msg("cancellation: failed to cancel order")
		return nil, fmt.Errorf("cancellation: failed to cancel order: %w", err)
	}

	log.Info().Stringer("order_id", orderID).Stringer("old_status", from).Str("actor", actor).Msg("cancellation: order cancelled")
	if changed {
		s.metrics.StatusTransition(order.StatusCancelled.String())
		s.notifier.OrderStatusChanged(ctx, *cancelled, from)
	}

	result := &Result{Order: cancelled}
	if !cancelled.PaymentStatus.Paid() {
		return result, nil
	}

	refund, err := s.refunder.Refund(ctx, orderID, nil)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("cancellation: automatic refund failed, order stays cancelled")
		result.RefundError = "refund could not be processed, it will need to be retried"
		return result, nil
	}
	result.Order = refund.Order
	return result, nil
}
