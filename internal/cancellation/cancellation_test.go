package cancellation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order/ordertest"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
)

var policy = cancellation.Policy{Window: 30 * time.Minute, Blackout: 24 * time.Hour}

func TestPolicy_CanCancel(t *testing.T) {
	now := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	tests := []struct {
		name      string
		status    order.Status
		createdAt time.Time
		scheduled *time.Time
		want      bool
	}{
		{name: "fresh pending", status: order.StatusPending, createdAt: now.Add(-10 * time.Minute), want: true},
		{name: "window edge", status: order.StatusConfirmed, createdAt: now.Add(-30 * time.Minute), want: true},
		{name: "window passed", status: order.StatusConfirmed, createdAt: now.Add(-31 * time.Minute), want: false},
		{name: "out for delivery", status: order.StatusOutForDelivery, createdAt: now, want: false},
		{name: "delivered", status: order.StatusDelivered, createdAt: now, want: false},
		{name: "completed", status: order.StatusCompleted, createdAt: now, want: false},
		{name: "already cancelled", status: order.StatusCancelled, createdAt: now, want: false},
		{name: "scheduled far ahead, old order", status: order.StatusConfirmed, createdAt: now.Add(-72 * time.Hour), scheduled: at(48 * time.Hour), want: true},
		{name: "scheduled inside blackout", status: order.StatusConfirmed, createdAt: now.Add(-time.Minute), scheduled: at(23 * time.Hour), want: false},
		{name: "scheduled exactly at blackout", status: order.StatusConfirmed, createdAt: now, scheduled: at(24 * time.Hour), want: false},
		{name: "failed payment", status: order.StatusFailed, createdAt: now.Add(-5 * time.Minute), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &order.Order{Status: tt.status, CreatedAt: tt.createdAt, ScheduledFor: tt.scheduled}
			assert.Equal(t, tt.want, policy.CanCancel(o, now))
		})
	}
}

type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) Refund(ctx context.Context, orderID uuid.UUID, amount *decimal.Decimal) (*payment.RefundResult, error) {
	args := m.Called(ctx, orderID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

func seed(store *ordertest.Store, status order.Status, paymentStatus order.PaymentStatus, createdAt time.Time) order.Order {
	o := order.Order{
		ID:             uuid.Must(uuid.NewV4()),
		Number:         "20250307-0001",
		UserID:         uuid.Must(uuid.NewV4()),
		DeliveryMethod: order.DeliveryMethodPickup,
		Subtotal:       decimal.RequireFromString("20.00"),
		Tax:            decimal.RequireFromString("3.20"),
		Total:          decimal.RequireFromString("23.20"),
		PaymentStatus:  paymentStatus,
		Status:         status,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	store.Put(o)
	return o
}

func TestService_Cancel_AfterWindow(t *testing.T) {
	store := ordertest.NewStore()
	notes := &ordertest.Notifications{}
	refunder := new(MockRefunder)
	svc := cancellation.NewService(store, store, refunder, notes, nil, policy)
	o := seed(store, order.StatusConfirmed, order.PaymentCompleted, time.Now().Add(-40*time.Minute))

	_, err := svc.Cancel(context.Background(), o.ID, "customer")

	var expired *cancellation.CancellationWindowExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, order.StatusConfirmed, expired.Status)

	stored, _ := store.Get(o.ID)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Empty(t, store.HistoryOf(o.ID))
	assert.Empty(t, notes.Calls)
	refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Cancel_UnpaidOrder(t *testing.T) {
	store := ordertest.NewStore()
	notes := &ordertest.Notifications{}
	refunder := new(MockRefunder)
	svc := cancellation.NewService(store, store, refunder, notes, nil, policy)
	o := seed(store, order.StatusPending, order.PaymentNone, time.Now().Add(-5*time.Minute))

	res, err := svc.Cancel(context.Background(), o.ID, "customer")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.Empty(t, res.RefundError)

	history := store.HistoryOf(o.ID)
	require.Len(t, history, 1)
	assert.Equal(t, "cancelled by customer", history[0].Note)
	assert.Equal(t, 1, notes.Count(order.StatusCancelled))
	refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Cancel_PaidOrderIsRefunded(t *testing.T) {
	store := ordertest.NewStore()
	notes := &ordertest.Notifications{}
	refunder := new(MockRefunder)
	svc := cancellation.NewService(store, store, refunder, notes, nil, policy)
	o := seed(store, order.StatusConfirmed, order.PaymentCompleted, time.Now().Add(-5*time.Minute))

	refunded := o
	refunded.Status = order.StatusCancelled
	refunded.PaymentStatus = order.PaymentRefunded
	refunder.On("Refund", mock.Anything, o.ID, (*decimal.Decimal)(nil)).
		Return(&payment.RefundResult{Order: &refunded, RefundID: "re_1", Amount: o.Total}, nil).Once()

	res, err := svc.Cancel(context.Background(), o.ID, "staff:ana")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentRefunded, res.Order.PaymentStatus)
	refunder.AssertExpectations(t)
}

func TestService_Cancel_RefundFailureKeepsCancellation(t *testing.T) {
	store := ordertest.NewStore()
	notes := &ordertest.Notifications{}
	refunder := new(MockRefunder)
	svc := cancellation.NewService(store, store, refunder, notes, nil, policy)
	o := seed(store, order.StatusConfirmed, order.PaymentCompleted, time.Now().Add(-5*time.Minute))

	refunder.On("Refund", mock.Anything, o.ID, (*decimal.Decimal)(nil)).
		Return(nil, errors.New("provider timeout")).Once()

	res, err := svc.Cancel(context.Background(), o.ID, "customer")
	require.NoError(t, err)
	assert.NotEmpty(t, res.RefundError)

	stored, _ := store.Get(o.ID)
	assert.Equal(t, order.StatusCancelled, stored.Status)
}

func TestService_Cancel_TerminalOrOutForDelivery(t *testing.T) {
	for _, status := range []order.Status{order.StatusOutForDelivery, order.StatusDelivered, order.StatusCancelled} {
		t.Run(status.String(), func(t *testing.T) {
			store := ordertest.NewStore()
			svc := cancellation.NewService(store, store, new(MockRefunder), &ordertest.Notifications{}, nil, policy)
			o := seed(store, status, order.PaymentNone, time.Now())

			_, err := svc.Cancel(context.Background(), o.ID, "customer")
			require.ErrorIs(t, err, cancellation.ErrCancellationWindowExpired)
		})
	}
}

func TestService_Cancel_NotificationCarriesLines(t *testing.T) {
	store := ordertest.NewStore()
	notes := &ordertest.Notifications{}
	svc := cancellation.NewService(store, store, new(MockRefunder), notes, nil, policy)
	o := seed(store, order.StatusPending, order.PaymentNone, time.Now().Add(-5*time.Minute))
	o.Lines = []order.Line{{ID: uuid.Must(uuid.NewV4()), OrderID: o.ID, ItemName: "Pozole", Quantity: 1, UnitPrice: decimal.RequireFromString("20.00"), LineTotal: decimal.RequireFromString("20.00")}}
	store.Put(o)

	res, err := svc.Cancel(context.Background(), o.ID, "customer")
	require.NoError(t, err)
	require.Len(t, res.Order.Lines, 1)

	last, ok := notes.Last()
	require.True(t, ok)
	assert.Equal(t, order.StatusCancelled, last.To)
	require.Len(t, last.Order.Lines, 1)
	assert.Equal(t, "Pozole", last.Order.Lines[0].ItemName)
}
