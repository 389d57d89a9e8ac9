package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cart"
	"github.com/vasiliy-maslov/order-lifecycle/internal/checkout"
	"github.com/vasiliy-maslov/order-lifecycle/internal/invoice"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
)

type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderService) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]order.Order, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *MockOrderService) History(ctx context.Context, id uuid.UUID) ([]order.StatusHistory, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]order.StatusHistory), args.Error(1)
}

func (m *MockOrderService) UpdateStatus(ctx context.Context, id uuid.UUID, to order.Status, note string) (*order.Order, error) {
	args := m.Called(ctx, id, to, note)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderService) AssignDeliverer(ctx context.Context, id uuid.UUID, delivererID uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id, delivererID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

type MockCheckouter struct {
	mock.Mock
}

func (m *MockCheckouter) Checkout(ctx context.Context, req checkout.Request) (*order.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

type MockCanceller struct {
	mock.Mock
}

func (m *MockCanceller) CanCancel(ctx context.Context, orderID uuid.UUID) (bool, error) {
	args := m.Called(ctx, orderID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCanceller) Cancel(ctx context.Context, orderID uuid.UUID, actor string) (*cancellation.Result, error) {
	args := m.Called(ctx, orderID, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cancellation.Result), args.Error(1)
}

type MockPaymentEngine struct {
	mock.Mock
}

func (m *MockPaymentEngine) CreateIntent(ctx context.Context, orderID uuid.UUID) (*payment.IntentResult, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.IntentResult), args.Error(1)
}

func (m *MockPaymentEngine) Confirm(ctx context.Context, orderID uuid.UUID, claimed string) (*payment.ConfirmResult, error) {
	args := m.Called(ctx, orderID, claimed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.ConfirmResult), args.Error(1)
}

func (m *MockPaymentEngine) Refund(ctx context.Context, orderID uuid.UUID, amount *decimal.Decimal) (*payment.RefundResult, error) {
	args := m.Called(ctx, orderID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.RefundResult), args.Error(1)
}

func (m *MockPaymentEngine) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	args := m.Called(ctx, payload, signature)
	return args.Error(0)
}

type MockCartService struct {
	mock.Mock
}

func (m *MockCartService) GetCart(ctx context.Context, userID uuid.UUID) (*cart.View, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cart.View), args.Error(1)
}

func (m *MockCartService) AddItem(ctx context.Context, userID uuid.UUID, in cart.AddItemInput) (*cart.Cart, error) {
	args := m.Called(ctx, userID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cart.Cart), args.Error(1)
}

func (m *MockCartService) UpdateItem(ctx context.Context, userID, itemID uuid.UUID, in cart.UpdateItemInput) (*cart.Cart, error) {
	args := m.Called(ctx, userID, itemID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cart.Cart), args.Error(1)
}

func (m *MockCartService) RemoveItem(ctx context.Context, userID, itemID uuid.UUID) (*cart.Cart, error) {
	args := m.Called(ctx, userID, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cart.Cart), args.Error(1)
}

func (m *MockCartService) Clear(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

type stubInvoices struct{}

func (stubInvoices) Render(o order.Order) (*invoice.Document, error) {
	return &invoice.Document{Filename: invoice.Filename(o), Data: []byte("%PDF-1.3 stub")}, nil
}

func passthrough(next http.Handler) http.Handler { return next }

// newRouter mounts routes the way the transport does, with p as the authenticated caller.
func newRouter(p *auth.Principal, register func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	if p != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), *p)))
			})
		})
	}
	register(r)
	return r
}
