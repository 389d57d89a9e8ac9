package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/address"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cart"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/pricing"
)

var (
	ErrInvalidDeliveryMethod   = errors.New("checkout: delivery method must be pickup or delivery")
	ErrDeliveryAddressRequired = errors.New("checkout: delivery address is required for delivery")
	ErrInvalidDeliveryAddress  = errors.New("checkout: delivery address does not belong to the user")
	ErrScheduleInPast          = errors.New("checkout: scheduled time must be in the future")
)

const createdNote = "created"

type Request struct {
	UserID            uuid.UUID
	DeliveryMethod    order.DeliveryMethod
	DeliveryAddressID *uuid.UUID
	Notes             string
	ScheduledFor      *time.Time
}

type Settings struct {
	PickupEstimate      time.Duration
	DeliveryEstimate    time.Duration
	OrderNumberAttempts int
}

type Notifier interface {
	OrderCreated(ctx context.Context, o order.Order)
}

type Service struct {
	carts      cart.Repository
	orders     order.Repository
	addresses  address.Book
	calculator *pricing.Calculator
	tx         db.Transactor
	notifier   Notifier
	metrics    *metrics.Metrics
	settings   Settings
	now        func() time.Time
}

func NewService(
	carts cart.Repository,
	orders order.Repository,
	addresses address.Book,
	calculator *pricing.Calculator,
	tx db.Transactor,
	notifier Notifier,
	m *metrics.Metrics,
	settings Settings,
) *Service {
	if settings.OrderNumberAttempts <= 0 {
		settings.OrderNumberAttempts = 1
	}
	return &Service{
		carts:      carts,
		orders:     orders,
		addresses:  addresses,
		calculator: calculator,
		tx:         tx,
		notifier:   notifier,
		metrics:    m,
		settings:   settings,
		now:        time.Now,
	}
}

// Checkout turns the user's cart into a PENDING order. The order, its lines, the first history
// entry and the emptied cart commit together or not at all.
func (s *Service) Checkout(ctx context.Context, req Request) (*order.Order, error) {
	now := s.now().UTC()

	if err := s.validate(ctx, req, now); err != nil {
		log.Warn().Err(err).Stringer("user_id", req.UserID).Msg("checkout: request rejected")
		return nil, err
	}

	var created *order.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetForUpdate(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, cart.ErrCartNotFound) {
				return pricing.ErrEmptyCart
			}
			return err
		}
		if c.IsEmpty() {
			return pricing.ErrEmptyCart
		}

		totals, err := s.calculator.Compute(ctx, cart.Lines(c), req.DeliveryMethod)
		if err != nil {
			return err
		}

		o, err := s.buildOrder(req, c, totals, now)
		if err != nil {
			return err
		}
		if !o.TotalsConsistent() {
			return order.ErrTotalsMismatch
		}

		if err := s.insertWithNumber(ctx, o, now); err != nil {
			return err
		}
		if err := s.orders.AppendHistory(ctx, o.ID, order.StatusPending, createdNote, now); err != nil {
			return err
		}
		if err := s.carts.Clear(ctx, c.ID); err != nil {
			return err
		}

		created = o
		return nil
	})
	if err != nil {
		if isValidation(err) {
			log.Warn().Err(err).Stringer("user_id", req.UserID).Msg("checkout: cart cannot be checked out")
			return nil, err
		}
		log.Error().Err(err).Stringer("user_id", req.UserID).Msg("checkout: failed to create order")
		if errors.Is(err, order.ErrOrderNumberExhausted) || errors.Is(err, order.ErrTotalsMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("checkout: failed to create order: %w", err)
	}

	log.Info().
		Stringer("order_id", created.ID).
		Str("order_number", created.Number).
		Stringer("user_id", created.UserID).
		Str("total", created.Total.StringFixed(2)).
		Msg("checkout: order created")
	s.metrics.OrderCreated()
	s.notifier.OrderCreated(ctx, *created)

	return created, nil
}

func (s *Service) validate(ctx context.Context, req Request, now time.Time) error {
	if !req.DeliveryMethod.Valid() {
		return ErrInvalidDeliveryMethod
	}
	if req.ScheduledFor != nil && !req.ScheduledFor.After(now) {
		return ErrScheduleInPast
	}
	if req.DeliveryMethod != order.DeliveryMethodDelivery {
		return nil
	}
	if req.DeliveryAddressID == nil {
		return ErrDeliveryAddressRequired
	}
	if _, err := s.addresses.GetForUser(ctx, req.UserID, *req.DeliveryAddressID); err != nil {
		if errors.Is(err, address.ErrAddressNotFound) {
			return ErrInvalidDeliveryAddress
		}
		return fmt.Errorf("checkout: failed to verify delivery address: %w", err)
	}
	return nil
}

func (s *Service) buildOrder(req Request, c *cart.Cart, totals *pricing.Totals, now time.Time) (*order.Order, error) {
	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("checkout: failed to generate order ID: %w", err)
	}

	expected := now.Add(s.settings.PickupEstimate)
	if req.DeliveryMethod == order.DeliveryMethodDelivery {
		expected = now.Add(s.settings.DeliveryEstimate)
	}
	var scheduled *time.Time
	if req.ScheduledFor != nil {
		at := req.ScheduledFor.UTC()
		scheduled = &at
		expected = at
	}

	var addressID *uuid.UUID
	if req.DeliveryMethod == order.DeliveryMethodDelivery {
		addressID = req.DeliveryAddressID
	}

	o := &order.Order{
		ID:                orderID,
		UserID:            req.UserID,
		DeliveryMethod:    req.DeliveryMethod,
		DeliveryAddressID: addressID,
		Subtotal:          totals.Subtotal,
		Tax:               totals.Tax,
		DeliveryFee:       totals.DeliveryFee,
		Total:             totals.Total,
		Notes:             req.Notes,
		ScheduledFor:      scheduled,
		ExpectedDelivery:  expected,
		PaymentStatus:     order.PaymentNone,
		Status:            order.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		Lines:             make([]order.Line, 0, len(c.Lines)),
	}

	for i, cl := range c.Lines {
		priced := totals.Lines[i]

		lineID, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("checkout: failed to generate order line ID: %w", err)
		}

		customizations := make([]order.Customization, 0, len(cl.Customizations))
		for _, cu := range cl.Customizations {
			ing, ok := priced.Item.Ingredient(cu.IngredientID)
			if !ok {
				return nil, fmt.Errorf("%w: ingredient %s is no longer offered for %s", cart.ErrInvalidCustomization, cu.IngredientID, priced.Item.Name)
			}
			extraPrice := decimal.Zero
			if cu.Extra {
				extraPrice = ing.ExtraPrice
			}
			customizations = append(customizations, order.Customization{
				IngredientName: ing.Name,
				Include:        cu.Include,
				Extra:          cu.Extra,
				ExtraPrice:     extraPrice,
			})
		}

		o.Lines = append(o.Lines, order.Line{
			ID:             lineID,
			OrderID:        orderID,
			Position:       i + 1,
			ItemID:         cl.ItemID,
			ItemName:       priced.Item.Name,
			Quantity:       priced.Quantity,
			UnitPrice:      priced.UnitPrice,
			LineTotal:      priced.LineTotal,
			Notes:          cl.Notes,
			Customizations: customizations,
		})
	}

	return o, nil
}

func (s *Service) insertWithNumber(ctx context.Context, o *order.Order, now time.Time) error {
	for attempt := 1; attempt <= s.settings.OrderNumberAttempts; attempt++ {
		number, err := s.orders.NextOrderNumber(ctx, now)
		if err != nil {
			return err
		}
		o.Number = number

		err = s.orders.Create(ctx, o)
		if err == nil {
			return nil
		}
		if !errors.Is(err, order.ErrDuplicateOrderNumber) {
			return err
		}
		log.Warn().Str("order_number", number).Int("attempt", attempt).Msg("checkout: order number collision, retrying")
	}
	return order.ErrOrderNumberExhausted
}

func isValidation(err error) bool {
	return errors.Is(err, pricing.ErrEmptyCart) ||
		errors.Is(err, pricing.ErrUnavailableItem) ||
		errors.Is(err, cart.ErrInvalidCustomization)
}
