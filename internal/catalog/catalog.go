package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
)

var ErrItemNotFound = errors.New("catalog: item not found")

type Ingredient struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Optional   bool            `json:"optional"`
	ExtraPrice decimal.Decimal `json:"extra_price"`
}

type Item struct {
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name"`
	Price       decimal.Decimal     `json:"price"`
	PromoPrice  decimal.NullDecimal `json:"promo_price"`
	PromoEndsAt *time.Time          `json:"promo_ends_at,omitempty"`
	Available   bool                `json:"available"`
	Ingredients []Ingredient        `json:"ingredients"`
}

// EffectivePrice is the list price, or the promotional price while a promotion is active.
func (i Item) EffectivePrice(now time.Time) decimal.Decimal {
	if !i.PromoPrice.Valid {
		return i.Price
	}
	if i.PromoEndsAt != nil && !now.Before(*i.PromoEndsAt) {
		return i.Price
	}
	if i.PromoPrice.Decimal.LessThan(i.Price) {
		return i.PromoPrice.Decimal
	}
	return i.Price
}

func (i Item) Ingredient(id uuid.UUID) (Ingredient, bool) {
	for _, ing := range i.Ingredients {
		if ing.ID == id {
			return ing, true
		}
	}
	return Ingredient{}, false
}

type Reader interface {
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
}

type postgresReader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) Reader {
	return &postgresReader{pool: pool}
}

func (r *postgresReader) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	q := db.Conn(ctx, r.pool)

	query := `
		SELECT id, name, price, promo_price, promo_ends_at, available
		FROM order_service.catalog_items
		WHERE id = $1
	`

	var item Item
	err := q.QueryRow(ctx, query, id).Scan(
		&item.ID,
		&item.Name,
		&item.Price,
		&item.PromoPrice,
		&item.PromoEndsAt,
		&item.Available,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("catalog: failed to select item %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, name, optional, extra_price
		FROM order_service.catalog_item_ingredients
		WHERE item_id = $1
		ORDER BY name
	`, id)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query ingredients for item %s: %w", id, err)
	}
	defer rows.Close()

	item.Ingredients = make([]Ingredient, 0)
	for rows.Next() {
		var ing Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Optional, &ing.ExtraPrice); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan ingredient for item %s: %w", id, err)
		}
		item.Ingredients = append(item.Ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: error iterating ingredients for item %s: %w", id, err)
	}

	return &item, nil
}
