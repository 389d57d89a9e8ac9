package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
)

type Repository interface {
	NextOrderNumber(ctx context.Context, day time.Time) (string, error)
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByPaymentIDForUpdate(ctx context.Context, paymentID string) (*Order, error)
	GetLines(ctx context.Context, id uuid.UUID) ([]Line, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) error
	UpdatePayment(ctx context.Context, id uuid.UUID, paymentID *string, status PaymentStatus, at time.Time) error
	AssignDeliverer(ctx context.Context, id uuid.UUID, delivererID uuid.UUID, at time.Time) error
	AppendHistory(ctx context.Context, id uuid.UUID, status Status, note string, at time.Time) error
	ListHistory(ctx context.Context, id uuid.UUID) ([]StatusHistory, error)
	RecordRefund(ctx context.Context, id uuid.UUID, refundID string, amount decimal.Decimal) (bool, error)
	RefundedTotal(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const orderColumns = `
	id, order_number, user_id, delivery_method, delivery_address_id,
	subtotal, tax, delivery_fee, total, notes, scheduled_for, expected_delivery,
	payment_id, payment_status, status, assigned_to, created_at, updated_at`

func scanOrder(row pgx.Row, o *Order) error {
	return row.Scan(
		&o.ID,
		&o.Number,
		&o.UserID,
		&o.DeliveryMethod,
		&o.DeliveryAddressID,
		&o.Subtotal,
		&o.Tax,
		&o.DeliveryFee,
		&o.Total,
		&o.Notes,
		&o.ScheduledFor,
		&o.ExpectedDelivery,
		&o.PaymentID,
		&o.PaymentStatus,
		&o.Status,
		&o.AssignedTo,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}

// NextOrderNumber always runs on the pool, outside the caller's transaction, so concurrent
// checkouts do not queue behind the day row lock. Numbers burned by a rolled back checkout
// are never handed out again.
func (r *postgresRepository) NextOrderNumber(ctx context.Context, day time.Time) (string, error) {
	query := `
		INSERT INTO order_service.order_number_seq (day, seq)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = order_service.order_number_seq.seq + 1
		RETURNING seq
	`

	day = day.UTC()
	dayOnly := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var seq int
	if err := r.pool.QueryRow(ctx, query, dayOnly).Scan(&seq); err != nil {
		return "", fmt.Errorf("repository: failed to allocate order number: %w", err)
	}

	return FormatOrderNumber(dayOnly, seq), nil
}

func FormatOrderNumber(day time.Time, seq int) string {
	return fmt.Sprintf("%s-%04d", day.Format("20060102"), seq)
}

func (r *postgresRepository) Create(ctx context.Context, o *Order) (err error) {
	q := db.Conn(ctx, r.pool)

	// Savepoint: a duplicate order number must not poison the caller's transaction.
	tx, beginErr := q.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", o.ID).Msg("Failed to rollback order insert after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", o.ID).Msg("Failed to rollback order insert")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit order insert: %w", commitErr)
		}
	}()

	queryOrder := `
		INSERT INTO order_service.orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = tx.Exec(ctx, queryOrder,
		o.ID,
		o.Number,
		o.UserID,
		string(o.DeliveryMethod),
		o.DeliveryAddressID,
		o.Subtotal,
		o.Tax,
		o.DeliveryFee,
		o.Total,
		o.Notes,
		o.ScheduledFor,
		o.ExpectedDelivery,
		o.PaymentID,
		string(o.PaymentStatus),
		string(o.Status),
		o.AssignedTo,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "orders_order_number_key" {
			return ErrDuplicateOrderNumber
		}
		return fmt.Errorf("repository: failed to insert order: %w", err)
	}

	queryLine := `
		INSERT INTO order_service.order_lines (id, order_id, position, item_id, item_name, quantity, unit_price, line_total, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	queryCustomization := `
		INSERT INTO order_service.order_line_customizations (order_line_id, position, ingredient_name, include, extra, extra_price)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i := range o.Lines {
		line := &o.Lines[i]
		_, err = tx.Exec(ctx, queryLine,
			line.ID,
			o.ID,
			line.Position,
			line.ItemID,
			line.ItemName,
			line.Quantity,
			line.UnitPrice,
			line.LineTotal,
			line.Notes,
		)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order line for order %s: %w", o.ID, err)
		}

		for j, c := range line.Customizations {
			_, err = tx.Exec(ctx, queryCustomization, line.ID, j+1, c.IngredientName, c.Include, c.Extra, c.ExtraPrice)
			if err != nil {
				return fmt.Errorf("repository: failed to insert customization for order %s: %w", o.ID, err)
			}
		}
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	q := db.Conn(ctx, r.pool)

	var o Order
	err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM order_service.orders WHERE id = $1`, id), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	lines, err := r.loadLines(ctx, q, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	o.Lines = lines[id]
	if o.Lines == nil {
		o.Lines = make([]Line, 0)
	}

	return &o, nil
}

// GetForUpdate locks the order row until the surrounding transaction ends. Lines are not loaded,
// see LoadLines.
func (r *postgresRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	q := db.Conn(ctx, r.pool)

	var o Order
	err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM order_service.orders WHERE id = $1 FOR UPDATE`, id), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to lock order %s: %w", id, err)
	}
	return &o, nil
}

func (r *postgresRepository) GetByPaymentIDForUpdate(ctx context.Context, paymentID string) (*Order, error) {
	q := db.Conn(ctx, r.pool)

	var o Order
	err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM order_service.orders WHERE payment_id = $1 FOR UPDATE`, paymentID), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to lock order by payment id %s: %w", paymentID, err)
	}
	return &o, nil
}

func (r *postgresRepository) GetLines(ctx context.Context, id uuid.UUID) ([]Line, error) {
	lines, err := r.loadLines(ctx, db.Conn(ctx, r.pool), []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if lines[id] == nil {
		return make([]Line, 0), nil
	}
	return lines[id], nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	q := db.Conn(ctx, r.pool)

	orderRows, err := q.Query(ctx, `
		SELECT `+orderColumns+`
		FROM order_service.orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user id %s: %w", userID, err)
	}
	defer orderRows.Close()

	var orders []Order
	var orderIDs []uuid.UUID
	for orderRows.Next() {
		var o Order
		if err := scanOrder(orderRows, &o); err != nil {
			return nil, fmt.Errorf("repository: failed scan order for user id %s: %w", userID, err)
		}
		orders = append(orders, o)
		orderIDs = append(orderIDs, o.ID)
	}
	if err := orderRows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders for user id %s: %w", userID, err)
	}

	if len(orderIDs) == 0 {
		return []Order{}, nil
	}

	lines, err := r.loadLines(ctx, q, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
		if orders[i].Lines == nil {
			orders[i].Lines = make([]Line, 0)
		}
	}

	return orders, nil
}

func (r *postgresRepository) loadLines(ctx context.Context, q db.Querier, orderIDs []uuid.UUID) (map[uuid.UUID][]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, position, item_id, item_name, quantity, unit_price, line_total, notes
		FROM order_service.order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order lines: %w", err)
	}
	defer rows.Close()

	byOrder := make(map[uuid.UUID][]Line)
	index := make(map[uuid.UUID]*Line)
	var lineIDs []uuid.UUID
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.OrderID, &l.Position, &l.ItemID, &l.ItemName, &l.Quantity, &l.UnitPrice, &l.LineTotal, &l.Notes); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order line: %w", err)
		}
		l.Customizations = make([]Customization, 0)
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
		lineIDs = append(lineIDs, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order lines: %w", err)
	}
	if len(lineIDs) == 0 {
		return byOrder, nil
	}

	for orderID := range byOrder {
		for i := range byOrder[orderID] {
			index[byOrder[orderID][i].ID] = &byOrder[orderID][i]
		}
	}

	custRows, err := q.Query(ctx, `
		SELECT order_line_id, ingredient_name, include, extra, extra_price
		FROM order_service.order_line_customizations
		WHERE order_line_id = ANY($1)
		ORDER BY order_line_id, position
	`, lineIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order line customizations: %w", err)
	}
	defer custRows.Close()

	for custRows.Next() {
		var lineID uuid.UUID
		var c Customization
		if err := custRows.Scan(&lineID, &c.IngredientName, &c.Include, &c.Extra, &c.ExtraPrice); err != nil {
			return nil, fmt.Errorf("repository: failed to scan customization: %w", err)
		}
		if l, ok := index[lineID]; ok {
			l.Customizations = append(l.Customizations, c)
		}
	}
	if err := custRows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating customizations: %w", err)
	}

	return byOrder, nil
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) error {
	cmdTag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE order_service.orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, string(status), at, id)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", id).Stringer("new_status", status).Msg("repository: failed to update order status")
		return fmt.Errorf("repository: failed to update order status %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) UpdatePayment(ctx context.Context, id uuid.UUID, paymentID *string, status PaymentStatus, at time.Time) error {
	cmdTag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE order_service.orders
		SET payment_id = $1, payment_status = $2, updated_at = $3
		WHERE id = $4
	`, paymentID, string(status), at, id)
	if err != nil {
		return fmt.Errorf("repository: failed to update payment for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) AssignDeliverer(ctx context.Context, id uuid.UUID, delivererID uuid.UUID, at time.Time) error {
	cmdTag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE order_service.orders
		SET assigned_to = $1, updated_at = $2
		WHERE id = $3
	`, delivererID, at, id)
	if err != nil {
		return fmt.Errorf("repository: failed to assign deliverer for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) AppendHistory(ctx context.Context, id uuid.UUID, status Status, note string, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_service.order_status_history (order_id, status, note, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, string(status), note, at)
	if err != nil {
		return fmt.Errorf("repository: failed to append history for order %s: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) ListHistory(ctx context.Context, id uuid.UUID) ([]StatusHistory, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, order_id, status, note, created_at
		FROM order_service.order_status_history
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query history for order %s: %w", id, err)
	}
	defer rows.Close()

	history := make([]StatusHistory, 0)
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.Status, &h.Note, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan history for order %s: %w", id, err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating history for order %s: %w", id, err)
	}
	return history, nil
}

// RecordRefund stores a provider refund once. It reports false when the refund id was already known.
func (r *postgresRepository) RecordRefund(ctx context.Context, id uuid.UUID, refundID string, amount decimal.Decimal) (bool, error) {
	cmdTag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_service.payment_refunds (refund_id, order_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (refund_id) DO NOTHING
	`, refundID, id, amount)
	if err != nil {
		return false, fmt.Errorf("repository: failed to record refund %s for order %s: %w", refundID, id, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func (r *postgresRepository) RefundedTotal(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM order_service.payment_refunds
		WHERE order_id = $1
	`, id).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("repository: failed to sum refunds for order %s: %w", id, err)
	}
	return total, nil
}
