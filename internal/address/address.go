package address

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
)

var ErrAddressNotFound = errors.New("address: not found for user")

type Address struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Line1  string    `json:"line1"`
	Line2  string    `json:"line2,omitempty"`
	City   string    `json:"city"`
	Postal string    `json:"postal,omitempty"`
	Phone  string    `json:"phone,omitempty"`
}

func (a Address) String() string {
	parts := []string{a.Line1}
	if a.Line2 != "" {
		parts = append(parts, a.Line2)
	}
	city := a.City
	if a.Postal != "" {
		city = a.Postal + " " + city
	}
	return strings.Join(append(parts, city), ", ")
}

type Book interface {
	// GetForUser fails with ErrAddressNotFound when the address belongs to someone else.
	GetForUser(ctx context.Context, userID, addressID uuid.UUID) (*Address, error)
}

type postgresBook struct {
	pool *pgxpool.Pool
}

func NewBook(pool *pgxpool.Pool) Book {
	return &postgresBook{pool: pool}
}

func (b *postgresBook) GetForUser(ctx context.Context, userID, addressID uuid.UUID) (*Address, error) {
	var a Address
	err := db.Conn(ctx, b.pool).QueryRow(ctx, `
		SELECT id, user_id, line1, line2, city, postal, phone
		FROM order_service.delivery_addresses
		WHERE id = $1 AND user_id = $2
	`, addressID, userID).Scan(&a.ID, &a.UserID, &a.Line1, &a.Line2, &a.City, &a.Postal, &a.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("address: failed to select address %s: %w", addressID, err)
	}
	return &a, nil
}
