package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/catalog"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/pricing"
)

type AddItemInput struct {
	ItemID         uuid.UUID
	Quantity       int
	Notes          *string
	Customizations []Customization
}

type UpdateItemInput struct {
	Quantity       *int
	Notes          *string
	Customizations *[]Customization
}

// View is a cart plus a pickup-priced preview. Preview is nil when the cart is empty or
// contains an unavailable item, which is then listed in Unavailable.
type View struct {
	Cart        *Cart           `json:"cart"`
	TotalItems  int             `json:"total_items"`
	Preview     *pricing.Totals `json:"preview,omitempty"`
	Unavailable []uuid.UUID     `json:"unavailable,omitempty"`
}

type Service interface {
	GetCart(ctx context.Context, userID uuid.UUID) (*View, error)
	AddItem(ctx context.Context, userID uuid.UUID, in AddItemInput) (*Cart, error)
	UpdateItem(ctx context.Context, userID, itemID uuid.UUID, in UpdateItemInput) (*Cart, error)
	RemoveItem(ctx context.Context, userID, itemID uuid.UUID) (*Cart, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

type service struct {
	repo       Repository
	tx         db.Transactor
	catalog    catalog.Reader
	calculator *pricing.Calculator
}

func NewService(repo Repository, tx db.Transactor, reader catalog.Reader, calculator *pricing.Calculator) Service {
	return &service{
		repo:       repo,
		tx:         tx,
		catalog:    reader,
		calculator: calculator,
	}
}

func (s *service) GetCart(ctx context.Context, userID uuid.UUID) (*View, error) {
	c, err := s.repo.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to load cart: %w", err)
	}

	view := &View{Cart: c, TotalItems: c.TotalItems()}
	if c.IsEmpty() {
		return view, nil
	}

	totals, err := s.calculator.Compute(ctx, Lines(c), order.DeliveryMethodPickup)
	if err != nil {
		var unavailable *pricing.UnavailableItemError
		if errors.As(err, &unavailable) {
			view.Unavailable = append(view.Unavailable, unavailable.ItemID)
			return view, nil
		}
		return nil, fmt.Errorf("service: failed to price cart: %w", err)
	}
	view.Preview = totals

	return view, nil
}

func (s *service) AddItem(ctx context.Context, userID uuid.UUID, in AddItemInput) (*Cart, error) {
	if in.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	item, err := s.availableItem(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	if err := validateCustomizations(item, in.Customizations); err != nil {
		return nil, err
	}

	var updated *Cart
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetOrCreate(ctx, userID); err != nil {
			return err
		}
		c, err := s.repo.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		line, exists := c.Line(in.ItemID)
		if exists {
			line.Quantity += in.Quantity
			if in.Notes != nil {
				line.Notes = *in.Notes
			}
			if in.Customizations != nil {
				line.Customizations = in.Customizations
			}
		} else {
			line = &Line{
				CartID:         c.ID,
				ItemID:         in.ItemID,
				Quantity:       in.Quantity,
				Customizations: in.Customizations,
			}
			if in.Notes != nil {
				line.Notes = *in.Notes
			}
		}
		if line.Customizations == nil {
			line.Customizations = make([]Customization, 0)
		}

		if err := s.repo.SaveLine(ctx, line); err != nil {
			return err
		}
		updated, err = s.repo.GetForUpdate(ctx, userID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Stringer("item_id", in.ItemID).Msg("service: failed to add item to cart")
		return nil, fmt.Errorf("service: failed to add item to cart: %w", err)
	}

	return updated, nil
}

func (s *service) UpdateItem(ctx context.Context, userID, itemID uuid.UUID, in UpdateItemInput) (*Cart, error) {
	if in.Quantity != nil && *in.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if in.Customizations != nil {
		item, err := s.availableItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if err := validateCustomizations(item, *in.Customizations); err != nil {
			return nil, err
		}
	}

	var updated *Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrLineNotFound
			}
			return err
		}
		line, ok := c.Line(itemID)
		if !ok {
			return ErrLineNotFound
		}

		if in.Quantity != nil {
			line.Quantity = *in.Quantity
		}
		if in.Notes != nil {
			line.Notes = *in.Notes
		}
		if in.Customizations != nil {
			line.Customizations = *in.Customizations
		}

		if err := s.repo.SaveLine(ctx, line); err != nil {
			return err
		}
		updated, err = s.repo.GetForUpdate(ctx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLineNotFound) {
			return nil, ErrLineNotFound
		}
		return nil, fmt.Errorf("service: failed to update cart item: %w", err)
	}

	return updated, nil
}

func (s *service) RemoveItem(ctx context.Context, userID, itemID uuid.UUID) (*Cart, error) {
	var updated *Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrLineNotFound
			}
			return err
		}
		if err := s.repo.RemoveLine(ctx, c.ID, itemID); err != nil {
			return err
		}
		updated, err = s.repo.GetForUpdate(ctx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrLineNotFound) {
			return nil, ErrLineNotFound
		}
		return nil, fmt.Errorf("service: failed to remove cart item: %w", err)
	}
	return updated, nil
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		return s.repo.Clear(ctx, c.ID)
	})
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return nil
		}
		return fmt.Errorf("service: failed to clear cart: %w", err)
	}
	return nil
}

func (s *service) availableItem(ctx context.Context, itemID uuid.UUID) (*catalog.Item, error) {
	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			return nil, &pricing.UnavailableItemError{ItemID: itemID}
		}
		return nil, fmt.Errorf("service: failed to load catalog item: %w", err)
	}
	if !item.Available {
		return nil, &pricing.UnavailableItemError{ItemID: item.ID, Name: item.Name}
	}
	return item, nil
}

func validateCustomizations(item *catalog.Item, customizations []Customization) error {
	seen := make(map[uuid.UUID]bool, len(customizations))
	for _, c := range customizations {
		ing, ok := item.Ingredient(c.IngredientID)
		if !ok {
			return fmt.Errorf("%w: ingredient %s does not belong to %s", ErrInvalidCustomization, c.IngredientID, item.Name)
		}
		if seen[c.IngredientID] {
			return fmt.Errorf("%w: ingredient %s listed twice", ErrInvalidCustomization, ing.Name)
		}
		seen[c.IngredientID] = true
		if !c.Include && !ing.Optional {
			return fmt.Errorf("%w: %s cannot be removed", ErrInvalidCustomization, ing.Name)
		}
		if !c.Include && c.Extra {
			return fmt.Errorf("%w: %s cannot be both excluded and extra", ErrInvalidCustomization, ing.Name)
		}
	}
	return nil
}

// Lines converts cart lines into pricing input.
func Lines(c *Cart) []pricing.Line {
	lines := make([]pricing.Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, pricing.Line{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}
