package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/checkout"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/pricing"
)

type orderFixture struct {
	orders   *MockOrderService
	checkout *MockCheckouter
	cancel   *MockCanceller
}

func newOrderFixture() *orderFixture {
	return &orderFixture{
		orders:   new(MockOrderService),
		checkout: new(MockCheckouter),
		cancel:   new(MockCanceller),
	}
}

func (f *orderFixture) serve(p auth.Principal, method, path, body string) *httptest.ResponseRecorder {
	h := NewOrderHandler(f.orders, f.checkout, f.cancel, stubInvoices{})
	router := newRouter(&p, func(r chi.Router) { h.RegisterRoutes(r, passthrough) })

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func customer() auth.Principal {
	return auth.Principal{UserID: uuid.Must(uuid.NewV4()), Email: "cliente@example.com", Role: auth.RoleCustomer}
}

func staff() auth.Principal {
	return auth.Principal{UserID: uuid.Must(uuid.NewV4()), Email: "ana@example.com", Role: auth.RoleStaff}
}

func deliverer() auth.Principal {
	return auth.Principal{UserID: uuid.Must(uuid.NewV4()), Email: "repartidor@example.com", Role: auth.RoleDeliverer}
}

func placedOrder(owner uuid.UUID, status order.Status) *order.Order {
	return &order.Order{
		ID:            uuid.Must(uuid.NewV4()),
		Number:        "20250307-0001",
		UserID:        owner,
		Status:        status,
		PaymentStatus: order.PaymentNone,
		Total:         decimal.RequireFromString("23.20"),
		CreatedAt:     time.Now().UTC(),
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestOrderHandler_Checkout(t *testing.T) {
	f := newOrderFixture()
	p := customer()
	created := placedOrder(p.UserID, order.StatusPending)

	f.checkout.On("Checkout", mock.Anything, checkout.Request{
		UserID:         p.UserID,
		DeliveryMethod: order.DeliveryMethodPickup,
		Notes:          "sin prisa",
	}).Return(created, nil).Once()

	rec := f.serve(p, http.MethodPost, "/orders", `{"delivery_method":"pickup","notes":"sin prisa"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/orders/"+created.ID.String(), rec.Header().Get("Location"))
	var got order.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	f.checkout.AssertExpectations(t)
}

func TestOrderHandler_CheckoutRejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		wantCode  int
		wantError string
	}{
		{
			name:      "unknown delivery method",
			body:      `{"delivery_method":"drone"}`,
			wantCode:  http.StatusBadRequest,
			wantError: "Validation failed",
		},
		{
			name:      "unknown field",
			body:      `{"delivery_method":"pickup","coupon":"X"}`,
			wantCode:  http.StatusBadRequest,
			wantError: "Invalid request payload",
		},
		{
			name:      "empty cart",
			body:      `{"delivery_method":"pickup"}`,
			err:       pricing.ErrEmptyCart,
			wantCode:  http.StatusBadRequest,
			wantError: "Cart is empty",
		},
		{
			name:      "unavailable item",
			body:      `{"delivery_method":"pickup"}`,
			err:       fmt.Errorf("checkout: %w", &pricing.UnavailableItemError{ItemID: uuid.Must(uuid.NewV4()), Name: "Pozole"}),
			wantCode:  http.StatusBadRequest,
			wantError: `Item "Pozole" is not available`,
		},
		{
			name:      "number allocation exhausted",
			body:      `{"delivery_method":"pickup"}`,
			err:       fmt.Errorf("checkout: %w", order.ErrOrderNumberExhausted),
			wantCode:  http.StatusInternalServerError,
			wantError: "Failed to create order",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture()
			if tt.err != nil {
				f.checkout.On("Checkout", mock.Anything, mock.Anything).Return(nil, tt.err).Once()
			}

			rec := f.serve(customer(), http.MethodPost, "/orders", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec))
			if tt.err == nil {
				f.checkout.AssertNotCalled(t, "Checkout", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestOrderHandler_CheckoutValidationDetails(t *testing.T) {
	rec := newOrderFixture().serve(customer(), http.MethodPost, "/orders", `{"delivery_method":"drone"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body ValidationErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "must be one of: pickup delivery", body.Details["delivery_method"])
}

func TestOrderHandler_GetOrderAccess(t *testing.T) {
	owner := customer()
	assigned := deliverer()

	tests := []struct {
		name     string
		caller   auth.Principal
		wantCode int
	}{
		{"owner", owner, http.StatusOK},
		{"staff", staff(), http.StatusOK},
		{"assigned deliverer", assigned, http.StatusOK},
		{"other deliverer", deliverer(), http.StatusNotFound},
		{"other customer", customer(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture()
			o := placedOrder(owner.UserID, order.StatusReady)
			o.AssignedTo = &assigned.UserID
			f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)

			rec := f.serve(tt.caller, http.MethodGet, "/orders/"+o.ID.String(), "")

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestOrderHandler_GetOrderNotFoundAndBadID(t *testing.T) {
	f := newOrderFixture()
	missing := uuid.Must(uuid.NewV4())
	f.orders.On("GetOrder", mock.Anything, missing).Return(nil, order.ErrOrderNotFound)

	rec := f.serve(customer(), http.MethodGet, "/orders/"+missing.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Order not found", decodeError(t, rec))

	rec = f.serve(customer(), http.MethodGet, "/orders/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderHandler_ListOrdersFiltersByStatus(t *testing.T) {
	f := newOrderFixture()
	p := customer()
	pending := placedOrder(p.UserID, order.StatusPending)
	confirmed := placedOrder(p.UserID, order.StatusConfirmed)
	f.orders.On("ListUserOrders", mock.Anything, p.UserID).Return([]order.Order{*confirmed, *pending}, nil)

	rec := f.serve(p, http.MethodGet, "/orders?status=PENDING", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got []order.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, pending.ID, got[0].ID)
}

func TestOrderHandler_UpdateStatus(t *testing.T) {
	owner := customer()
	assigned := deliverer()
	admin := staff()

	tests := []struct {
		name     string
		caller   auth.Principal
		body     string
		setup    func(f *orderFixture, o *order.Order)
		wantCode int
	}{
		{
			name:     "customer cannot",
			caller:   owner,
			body:     `{"status":"PREPARING"}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:   "staff moves forward",
			caller: admin,
			body:   `{"status":"PREPARING","note":"cocina"}`,
			setup: func(f *orderFixture, o *order.Order) {
				f.orders.On("UpdateStatus", mock.Anything, o.ID, order.StatusPreparing, "cocina").Return(o, nil).Once()
			},
			wantCode: http.StatusOK,
		},
		{
			name:   "staff invalid transition",
			caller: admin,
			body:   `{"status":"PENDING"}`,
			setup: func(f *orderFixture, o *order.Order) {
				f.orders.On("UpdateStatus", mock.Anything, o.ID, order.StatusPending, "updated by staff:ana@example.com").
					Return(nil, &order.InvalidTransitionError{From: order.StatusConfirmed, To: order.StatusPending}).Once()
			},
			wantCode: http.StatusConflict,
		},
		{
			name:   "staff cancel goes through cancellation",
			caller: admin,
			body:   `{"status":"CANCELLED"}`,
			setup: func(f *orderFixture, o *order.Order) {
				f.cancel.On("Cancel", mock.Anything, o.ID, "staff:ana@example.com").Return(&cancellation.Result{Order: o}, nil).Once()
			},
			wantCode: http.StatusOK,
		},
		{
			name:   "assigned deliverer delivers",
			caller: assigned,
			body:   `{"status":"DELIVERED"}`,
			setup: func(f *orderFixture, o *order.Order) {
				f.orders.On("UpdateStatus", mock.Anything, o.ID, order.StatusDelivered, "updated by deliverer:repartidor@example.com").Return(o, nil).Once()
			},
			wantCode: http.StatusOK,
		},
		{
			name:     "deliverer cannot prepare",
			caller:   assigned,
			body:     `{"status":"PREPARING"}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "unassigned deliverer sees nothing",
			caller:   deliverer(),
			body:     `{"status":"DELIVERED"}`,
			wantCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrderFixture()
			o := placedOrder(owner.UserID, order.StatusConfirmed)
			o.AssignedTo = &assigned.UserID
			f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)
			if tt.setup != nil {
				tt.setup(f, o)
			}

			rec := f.serve(tt.caller, http.MethodPatch, "/orders/"+o.ID.String()+"/status", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			f.orders.AssertExpectations(t)
			f.cancel.AssertExpectations(t)
		})
	}
}

func TestOrderHandler_Cancel(t *testing.T) {
	owner := customer()

	t.Run("window expired", func(t *testing.T) {
		f := newOrderFixture()
		o := placedOrder(owner.UserID, order.StatusPending)
		f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)
		f.cancel.On("Cancel", mock.Anything, o.ID, "customer").Return(nil, &cancellation.CancellationWindowExpiredError{
			OrderID: o.ID, Status: o.Status, Reason: "cancellation window has passed",
		})

		rec := f.serve(owner, http.MethodPost, "/orders/"+o.ID.String()+"/cancel", "")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "Order can no longer be cancelled: cancellation window has passed", decodeError(t, rec))
	})

	t.Run("cancelled with refund failure reported", func(t *testing.T) {
		f := newOrderFixture()
		o := placedOrder(owner.UserID, order.StatusConfirmed)
		cancelled := *o
		cancelled.Status = order.StatusCancelled
		f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)
		f.cancel.On("Cancel", mock.Anything, o.ID, "customer").Return(&cancellation.Result{
			Order:       &cancelled,
			RefundError: "refund could not be processed, it will need to be retried",
		}, nil)

		rec := f.serve(owner, http.MethodPost, "/orders/"+o.ID.String()+"/cancel", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var got cancellation.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, order.StatusCancelled, got.Order.Status)
		assert.NotEmpty(t, got.RefundError)
	})

	t.Run("cancellable", func(t *testing.T) {
		f := newOrderFixture()
		o := placedOrder(owner.UserID, order.StatusPending)
		f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)
		f.cancel.On("CanCancel", mock.Anything, o.ID).Return(true, nil)

		rec := f.serve(owner, http.MethodGet, "/orders/"+o.ID.String()+"/cancellable", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"order_id":%q,"can_cancel":true}`, o.ID), rec.Body.String())
	})
}

func TestOrderHandler_AssignDeliverer(t *testing.T) {
	f := newOrderFixture()
	o := placedOrder(uuid.Must(uuid.NewV4()), order.StatusReady)
	rider := uuid.Must(uuid.NewV4())
	f.orders.On("AssignDeliverer", mock.Anything, o.ID, rider).Return(o, nil).Once()

	body := fmt.Sprintf(`{"deliverer_id":%q}`, rider)
	rec := f.serve(customer(), http.MethodPatch, "/orders/"+o.ID.String()+"/deliverer", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.serve(staff(), http.MethodPatch, "/orders/"+o.ID.String()+"/deliverer", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	f.orders.AssertExpectations(t)
}

func TestOrderHandler_Invoice(t *testing.T) {
	owner := customer()

	f := newOrderFixture()
	unpaid := placedOrder(owner.UserID, order.StatusPending)
	f.orders.On("GetOrder", mock.Anything, unpaid.ID).Return(unpaid, nil)

	rec := f.serve(owner, http.MethodGet, "/orders/"+unpaid.ID.String()+"/invoice", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	paid := placedOrder(owner.UserID, order.StatusConfirmed)
	paid.PaymentStatus = order.PaymentCompleted
	f.orders.On("GetOrder", mock.Anything, paid.ID).Return(paid, nil)

	rec = f.serve(owner, http.MethodGet, "/orders/"+paid.ID.String()+"/invoice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "factura_20250307-0001.pdf")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF-"))
}

func TestOrderHandler_History(t *testing.T) {
	f := newOrderFixture()
	owner := customer()
	o := placedOrder(owner.UserID, order.StatusConfirmed)
	f.orders.On("GetOrder", mock.Anything, o.ID).Return(o, nil)
	f.orders.On("History", mock.Anything, o.ID).Return([]order.StatusHistory{
		{OrderID: o.ID, Status: order.StatusPending, Note: "created"},
		{OrderID: o.ID, Status: order.StatusConfirmed},
	}, nil)

	rec := f.serve(owner, http.MethodGet, "/orders/"+o.ID.String()+"/history", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got []order.StatusHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, order.StatusPending, got[0].Status)
}

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{order.ErrOrderNotFound, http.StatusNotFound},
		{fmt.Errorf("service: %w", order.ErrOrderNotFound), http.StatusNotFound},
		{pricing.ErrEmptyCart, http.StatusBadRequest},
		{checkout.ErrScheduleInPast, http.StatusBadRequest},
		{&order.InvalidTransitionError{From: order.StatusDelivered, To: order.StatusPending}, http.StatusConflict},
		{&cancellation.CancellationWindowExpiredError{}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, mapErrorToStatusCode(tt.err))
		})
	}
}
