package cart

import (
	"errors"
	"time"

	"github.com/gofrs/uuid"
)

var (
	ErrCartNotFound         = errors.New("cart: not found")
	ErrLineNotFound         = errors.New("cart: item is not in the cart")
	ErrInvalidQuantity      = errors.New("cart: quantity must be positive")
	ErrInvalidCustomization = errors.New("cart: invalid customization")
)

type Customization struct {
	IngredientID uuid.UUID `json:"ingredient_id"`
	Include      bool      `json:"include"`
	Extra        bool      `json:"extra"`
}

type Line struct {
	ID             uuid.UUID       `json:"id"`
	CartID         uuid.UUID       `json:"cart_id"`
	ItemID         uuid.UUID       `json:"item_id"`
	Quantity       int             `json:"quantity"`
	Notes          string          `json:"notes,omitempty"`
	Customizations []Customization `json:"customizations"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Cart struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Lines     []Line    `json:"lines"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Cart) Line(itemID uuid.UUID) (*Line, bool) {
	for i := range c.Lines {
		if c.Lines[i].ItemID == itemID {
			return &c.Lines[i], true
		}
	}
	return nil, false
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c *Cart) TotalItems() int {
	total := 0
	for _, l := range c.Lines {
		total += l.Quantity
	}
	return total
}
