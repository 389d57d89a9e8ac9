package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
)

type Repository interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*Cart, error)
	GetForUpdate(ctx context.Context, userID uuid.UUID) (*Cart, error)
	SaveLine(ctx context.Context, line *Line) error
	RemoveLine(ctx context.Context, cartID, itemID uuid.UUID) error
	Clear(ctx context.Context, cartID uuid.UUID) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetOrCreate(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	q := db.Conn(ctx, r.pool)

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("repository: failed to generate cart ID: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO order_service.carts (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to create cart for user %s: %w", userID, err)
	}

	return r.load(ctx, q, userID, false)
}

func (r *postgresRepository) GetForUpdate(ctx context.Context, userID uuid.UUID) (*Cart, error) {
	return r.load(ctx, db.Conn(ctx, r.pool), userID, true)
}

func (r *postgresRepository) load(ctx context.Context, q db.Querier, userID uuid.UUID, lock bool) (*Cart, error) {
	query := `SELECT id, user_id, created_at, updated_at FROM order_service.carts WHERE user_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var c Cart
	err := q.QueryRow(ctx, query, userID).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("repository: failed to select cart for user %s: %w", userID, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, cart_id, item_id, quantity, notes, created_at, updated_at
		FROM order_service.cart_lines
		WHERE cart_id = $1
		ORDER BY position
	`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query cart lines for cart %s: %w", c.ID, err)
	}
	defer rows.Close()

	c.Lines = make([]Line, 0)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.CartID, &l.ItemID, &l.Quantity, &l.Notes, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan cart line for cart %s: %w", c.ID, err)
		}
		l.Customizations = make([]Customization, 0)
		c.Lines = append(c.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating cart lines for cart %s: %w", c.ID, err)
	}
	if len(c.Lines) == 0 {
		return &c, nil
	}

	custRows, err := q.Query(ctx, `
		SELECT c.cart_line_id, c.ingredient_id, c.include, c.extra
		FROM order_service.cart_line_customizations c
		JOIN order_service.cart_lines l ON l.id = c.cart_line_id
		WHERE l.cart_id = $1
		ORDER BY c.cart_line_id, c.ingredient_id
	`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query customizations for cart %s: %w", c.ID, err)
	}
	defer custRows.Close()

	byLine := make(map[uuid.UUID]int, len(c.Lines))
	for i, l := range c.Lines {
		byLine[l.ID] = i
	}
	for custRows.Next() {
		var lineID uuid.UUID
		var cu Customization
		if err := custRows.Scan(&lineID, &cu.IngredientID, &cu.Include, &cu.Extra); err != nil {
			return nil, fmt.Errorf("repository: failed to scan customization for cart %s: %w", c.ID, err)
		}
		if i, ok := byLine[lineID]; ok {
			c.Lines[i].Customizations = append(c.Lines[i].Customizations, cu)
		}
	}
	if err := custRows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating customizations for cart %s: %w", c.ID, err)
	}

	return &c, nil
}

// SaveLine upserts by (cart, item) and replaces the line's customizations.
func (r *postgresRepository) SaveLine(ctx context.Context, line *Line) error {
	q := db.Conn(ctx, r.pool)
	now := time.Now().UTC()

	if line.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate cart line ID: %w", err)
		}
		line.ID = id
	}

	err := q.QueryRow(ctx, `
		INSERT INTO order_service.cart_lines (id, cart_id, item_id, quantity, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (cart_id, item_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`, line.ID, line.CartID, line.ItemID, line.Quantity, line.Notes, now).Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to save cart line for item %s: %w", line.ItemID, err)
	}

	if _, err := q.Exec(ctx, `DELETE FROM order_service.cart_line_customizations WHERE cart_line_id = $1`, line.ID); err != nil {
		return fmt.Errorf("repository: failed to reset customizations for line %s: %w", line.ID, err)
	}
	for _, cu := range line.Customizations {
		_, err := q.Exec(ctx, `
			INSERT INTO order_service.cart_line_customizations (cart_line_id, ingredient_id, include, extra)
			VALUES ($1, $2, $3, $4)
		`, line.ID, cu.IngredientID, cu.Include, cu.Extra)
		if err != nil {
			return fmt.Errorf("repository: failed to insert customization for line %s: %w", line.ID, err)
		}
	}

	return r.touch(ctx, q, line.CartID, now)
}

func (r *postgresRepository) RemoveLine(ctx context.Context, cartID, itemID uuid.UUID) error {
	q := db.Conn(ctx, r.pool)

	cmdTag, err := q.Exec(ctx, `DELETE FROM order_service.cart_lines WHERE cart_id = $1 AND item_id = $2`, cartID, itemID)
	if err != nil {
		return fmt.Errorf("repository: failed to remove item %s from cart %s: %w", itemID, cartID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return r.touch(ctx, q, cartID, time.Now().UTC())
}

func (r *postgresRepository) Clear(ctx context.Context, cartID uuid.UUID) error {
	q := db.Conn(ctx, r.pool)

	if _, err := q.Exec(ctx, `DELETE FROM order_service.cart_lines WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("repository: failed to clear cart %s: %w", cartID, err)
	}
	return r.touch(ctx, q, cartID, time.Now().UTC())
}

func (r *postgresRepository) touch(ctx context.Context, q db.Querier, cartID uuid.UUID, at time.Time) error {
	if _, err := q.Exec(ctx, `UPDATE order_service.carts SET updated_at = $1 WHERE id = $2`, at, cartID); err != nil {
		return fmt.Errorf("repository: failed to touch cart %s: %w", cartID, err)
	}
	return nil
}
