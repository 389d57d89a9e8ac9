package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/catalog"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

var (
	ErrEmptyCart       = errors.New("pricing: cart is empty")
	ErrUnavailableItem = errors.New("pricing: item is unavailable")
)

// UnavailableItemError names the catalog item that blocked the calculation.
type UnavailableItemError struct {
	ItemID uuid.UUID
	Name   string
}

func (e *UnavailableItemError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("pricing: item %q (%s) is unavailable", e.Name, e.ItemID)
	}
	return fmt.Sprintf("pricing: item %s is unavailable", e.ItemID)
}

func (e *UnavailableItemError) Unwrap() error { return ErrUnavailableItem }

type Line struct {
	ItemID   uuid.UUID
	Quantity int
}

type PricedLine struct {
	Item      *catalog.Item
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

type Totals struct {
	Lines       []PricedLine    `json:"-"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`
}

type Calculator struct {
	catalog     catalog.Reader
	taxRate     decimal.Decimal
	deliveryFee decimal.Decimal
	now         func() time.Time
}

func NewCalculator(reader catalog.Reader, taxRate, deliveryFee decimal.Decimal) *Calculator {
	return &Calculator{
		catalog:     reader,
		taxRate:     taxRate,
		deliveryFee: deliveryFee,
		now:         time.Now,
	}
}

// Compute prices every line at the catalog's current effective price and returns the totals.
func (c *Calculator) Compute(ctx context.Context, lines []Line, method order.DeliveryMethod) (*Totals, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	now := c.now()
	priced := make([]PricedLine, 0, len(lines))
	for _, l := range lines {
		item, err := c.catalog.GetItem(ctx, l.ItemID)
		if err != nil {
			if errors.Is(err, catalog.ErrItemNotFound) {
				return nil, &UnavailableItemError{ItemID: l.ItemID}
			}
			return nil, fmt.Errorf("pricing: failed to load item %s: %w", l.ItemID, err)
		}
		if !item.Available {
			return nil, &UnavailableItemError{ItemID: item.ID, Name: item.Name}
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("pricing: quantity for item %s must be positive", l.ItemID)
		}

		unit := item.EffectivePrice(now)
		priced = append(priced, PricedLine{
			Item:      item,
			Quantity:  l.Quantity,
			UnitPrice: unit,
			LineTotal: unit.Mul(decimal.NewFromInt(int64(l.Quantity))),
		})
	}

	totals := ComputeTotals(priced, method, c.taxRate, c.deliveryFee)
	return &totals, nil
}

// ComputeTotals is the arithmetic part: tax is rounded half-up to cents once, on the subtotal.
func ComputeTotals(lines []PricedLine, method order.DeliveryMethod, taxRate, deliveryFee decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.LineTotal)
	}

	tax := subtotal.Mul(taxRate).Round(2)

	fee := decimal.Zero
	if method == order.DeliveryMethodDelivery {
		fee = deliveryFee
	}

	return Totals{
		Lines:       lines,
		Subtotal:    subtotal.Round(2),
		Tax:         tax,
		DeliveryFee: fee.Round(2),
		Total:       subtotal.Add(tax).Add(fee).Round(2),
	}
}
