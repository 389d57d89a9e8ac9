package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
)

// Notifier receives committed status changes. Implementations must not block the caller.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, o Order, from Status)
}

// Transition is the state machine step for an order already locked in the current transaction.
// It returns false without writing anything when the order is already in the target status.
func Transition(ctx context.Context, repo Repository, o *Order, to Status, note string, now time.Time) (bool, error) {
	if o.Status == to {
		return false, nil
	}
	if o.Status.IsTerminal() || !CanTransition(o.Status, to) {
		return false, &InvalidTransitionError{From: o.Status, To: to}
	}

	if err := repo.UpdateStatus(ctx, o.ID, to, now); err != nil {
		return false, err
	}
	if err := repo.AppendHistory(ctx, o.ID, to, note, now); err != nil {
		return false, err
	}

	o.Status = to
	o.UpdatedAt = now
	return true, nil
}

// LoadLines fills the lines of an order read by one of the locking queries, which skip them.
// Anything handed to a notifier or returned to a caller must carry its lines.
func LoadLines(ctx context.Context, repo Repository, o *Order) error {
	if o.Lines != nil {
		return nil
	}
	lines, err := repo.GetLines(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("service: failed to load lines of order %s: %w", o.ID, err)
	}
	o.Lines = lines
	return nil
}

type Service interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListUserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error)
	History(ctx context.Context, id uuid.UUID) ([]StatusHistory, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to Status, note string) (*Order, error)
	AssignDeliverer(ctx context.Context, id uuid.UUID, delivererID uuid.UUID) (*Order, error)
}

type service struct {
	repo     Repository
	tx       db.Transactor
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(repo Repository, tx db.Transactor, notifier Notifier, m *metrics.Metrics) Service {
	return &service{
		repo:     repo,
		tx:       tx,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

func (s *service) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders in repository")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}
	return orders, nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]StatusHistory, error) {
	history, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: failed to fetch order history: %w", err)
	}
	return history, nil
}

func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, note string) (*Order, error) {
	if !to.Valid() {
		return nil, &InvalidTransitionError{To: to}
	}

	var (
		updated *Order
		from    Status
		changed bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = o.Status

		changed, err = Transition(ctx, s.repo, o, to, note, s.now().UTC())
		if err != nil {
			return err
		}
		if err := LoadLines(ctx, s.repo, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrInvalidTransition) {
			log.Warn().Err(err).Stringer("order_id", id).Stringer("new_status", to).Msg("service: status update rejected")
			return nil, err
		}
		log.Error().Err(err).Stringer("order_id", id).Stringer("new_status", to).Msg("service: failed to update order status")
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	if !changed {
		log.Info().Stringer("order_id", id).Stringer("status", to).Msg("service: order status is already the same, no update needed")
		return updated, nil
	}

	log.Info().Stringer("order_id", id).Stringer("old_status", from).Stringer("new_status", to).Msg("service: order status updated successfully")
	s.metrics.StatusTransition(to.String())
	if NotifiesCustomer(to) {
		s.notifier.OrderStatusChanged(ctx, *updated, from)
	}

	return updated, nil
}

func (s *service) AssignDeliverer(ctx context.Context, id uuid.UUID, delivererID uuid.UUID) (*Order, error) {
	var updated *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() || o.Status == StatusFailed {
			return ErrDelivererNotAssignable
		}
		if o.DeliveryMethod != DeliveryMethodDelivery {
			return ErrDelivererNotAssignable
		}

		now := s.now().UTC()
		if err := s.repo.AssignDeliverer(ctx, id, delivererID, now); err != nil {
			return err
		}
		o.AssignedTo = &delivererID
		o.UpdatedAt = now
		if err := LoadLines(ctx, s.repo, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrDelivererNotAssignable) {
			return nil, err
		}
		return nil, fmt.Errorf("service: failed to assign deliverer: %w", err)
	}

	log.Info().Stringer("order_id", id).Stringer("deliverer_id", delivererID).Msg("service: deliverer assigned")
	return updated, nil
}
