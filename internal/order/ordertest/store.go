// Package ordertest provides an in-memory order Repository and Transactor for tests.
package ordertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

type refund struct {
	orderID uuid.UUID
	amount  decimal.Decimal
}

type state struct {
	orders  map[uuid.UUID]order.Order
	history map[uuid.UUID][]order.StatusHistory
	refunds map[string]refund
	nextID  int64
}

func (s state) clone() state {
	c := state{
		orders:  make(map[uuid.UUID]order.Order, len(s.orders)),
		history: make(map[uuid.UUID][]order.StatusHistory, len(s.history)),
		refunds: make(map[string]refund, len(s.refunds)),
		nextID:  s.nextID,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]order.StatusHistory(nil), v...)
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	return c
}

type txKey struct{}

// Store serializes transactions with one lock, which is a coarse stand-in for row locks.
// A transaction that returns an error restores the state it started from.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	seq  map[string]int

	// TakenNumbers makes Create fail with ErrDuplicateOrderNumber for these numbers.
	TakenNumbers map[string]bool
}

func NewStore() *Store {
	return &Store{
		st: state{
			orders:  make(map[uuid.UUID]order.Order),
			history: make(map[uuid.UUID][]order.StatusHistory),
			refunds: make(map[string]refund),
		},
		seq:          make(map[string]int),
		TakenNumbers: make(map[string]bool),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// Put seeds an order directly, bypassing history.
func (s *Store) Put(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = o
}

func (s *Store) Get(id uuid.UUID) (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	return o, ok
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

func (s *Store) HistoryOf(id uuid.UUID) []order.StatusHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.StatusHistory(nil), s.st.history[id]...)
}

func (s *Store) NextOrderNumber(_ context.Context, day time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day = day.UTC()
	key := day.Format("20060102")
	s.seq[key]++
	return order.FormatOrderNumber(day, s.seq[key]), nil
}

func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TakenNumbers[o.Number] {
		return order.ErrDuplicateOrderNumber
	}
	for _, existing := range s.st.orders {
		if existing.Number == o.Number {
			return order.ErrDuplicateOrderNumber
		}
	}
	s.st.orders[o.ID] = *o
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return &o, nil
}

// GetForUpdate leaves Lines nil, like the Postgres locking read.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Lines = nil
	return o, nil
}

func (s *Store) GetByPaymentIDForUpdate(_ context.Context, paymentID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.st.orders {
		if o.PaymentID != nil && *o.PaymentID == paymentID {
			found := o
			found.Lines = nil
			return &found, nil
		}
	}
	return nil, order.ErrOrderNotFound
}

func (s *Store) GetLines(_ context.Context, id uuid.UUID) ([]order.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return append(make([]order.Line, 0, len(o.Lines)), o.Lines...), nil
}

func (s *Store) ListByUser(_ context.Context, userID uuid.UUID) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0)
	for _, o := range s.st.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) update(id uuid.UUID, fn func(o *order.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	fn(&o)
	s.st.orders[id] = o
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status order.Status, at time.Time) error {
	return s.update(id, func(o *order.Order) {
		o.Status = status
		o.UpdatedAt = at
	})
}

func (s *Store) UpdatePayment(_ context.Context, id uuid.UUID, paymentID *string, status order.PaymentStatus, at time.Time) error {
	return s.update(id, func(o *order.Order) {
		o.PaymentID = paymentID
		o.PaymentStatus = status
		o.UpdatedAt = at
	})
}

func (s *Store) AssignDeliverer(_ context.Context, id uuid.UUID, delivererID uuid.UUID, at time.Time) error {
	return s.update(id, func(o *order.Order) {
		o.AssignedTo = &delivererID
		o.UpdatedAt = at
	})
}

func (s *Store) AppendHistory(_ context.Context, id uuid.UUID, status order.Status, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextID++
	s.st.history[id] = append(s.st.history[id], order.StatusHistory{
		ID:        s.st.nextID,
		OrderID:   id,
		Status:    status,
		Note:      note,
		CreatedAt: at,
	})
	return nil
}

func (s *Store) ListHistory(_ context.Context, id uuid.UUID) ([]order.StatusHistory, error) {
	return s.HistoryOf(id), nil
}

func (s *Store) RecordRefund(_ context.Context, id uuid.UUID, refundID string, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.refunds[refundID]; ok {
		return false, nil
	}
	s.st.refunds[refundID] = refund{orderID: id, amount: amount}
	return true, nil
}

func (s *Store) RefundedTotal(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.st.refunds {
		if r.orderID == id {
			total = total.Add(r.amount)
		}
	}
	return total, nil
}

// Notifications records OrderStatusChanged and RefundProcessed calls.
type Notifications struct {
	mu           sync.Mutex
	Calls        []Notification
	Refunds      []decimal.Decimal
	RefundOrders []order.Order
}

type Notification struct {
	OrderID uuid.UUID
	From    order.Status
	To      order.Status
	Order   order.Order
}

func (n *Notifications) OrderStatusChanged(_ context.Context, o order.Order, from order.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, Notification{OrderID: o.ID, From: from, To: o.Status, Order: o})
}

func (n *Notifications) RefundProcessed(_ context.Context, o order.Order, amount decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Refunds = append(n.Refunds, amount)
	n.RefundOrders = append(n.RefundOrders, o)
}

// Last returns the most recent status notification.
func (n *Notifications) Last() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Calls) == 0 {
		return Notification{}, false
	}
	return n.Calls[len(n.Calls)-1], true
}

func (n *Notifications) Count(to order.Status) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, c := range n.Calls {
		if c.To == to {
			count++
		}
	}
	return count
}

var _ order.Repository = (*Store)(nil)
var _ order.Notifier = (*Notifications)(nil)
