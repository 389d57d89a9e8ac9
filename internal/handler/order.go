package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/checkout"
	"github.com/vasiliy-maslov/order-lifecycle/internal/invoice"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (*order.Order, error)
}

type Canceller interface {
	CanCancel(ctx context.Context, orderID uuid.UUID) (bool, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor string) (*cancellation.Result, error)
}

type CheckoutRequest struct {
	DeliveryMethod    string     `json:"delivery_method" validate:"required,oneof=pickup delivery"`
	DeliveryAddressID *uuid.UUID `json:"delivery_address_id,omitempty"`
	Notes             string     `json:"notes,omitempty" validate:"max=500"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note,omitempty" validate:"max=500"`
}

type AssignDelivererRequest struct {
	DelivererID uuid.UUID `json:"deliverer_id" validate:"required"`
}

type CancellableResponse struct {
	OrderID   uuid.UUID `json:"order_id"`
	CanCancel bool      `json:"can_cancel"`
}

type OrderHandler struct {
	orders   order.Service
	checkout Checkouter
	cancel   Canceller
	invoices invoice.Renderer
	validate *validator.Validate
}

func NewOrderHandler(orders order.Service, checkout Checkouter, cancel Canceller, invoices invoice.Renderer) *OrderHandler {
	return &OrderHandler{
		orders:   orders,
		checkout: checkout,
		cancel:   cancel,
		invoices: invoices,
		validate: newValidator(),
	}
}

// RegisterRoutes mounts the order routes. idempotent wraps the POST routes that create or cancel.
func (h *OrderHandler) RegisterRoutes(router chi.Router, idempotent func(http.Handler) http.Handler) {
	router.With(idempotent).Post("/orders", h.handleCheckout)
	router.Get("/orders", h.handleListOrders)
	router.Get("/orders/{id}", h.handleGetOrder)
	router.Get("/orders/{id}/history", h.handleHistory)
	router.Get("/orders/{id}/cancellable", h.handleCancellable)
	router.With(idempotent).Post("/orders/{id}/cancel", h.handleCancel)
	router.Patch("/orders/{id}/status", h.handleUpdateStatus)
	router.Patch("/orders/{id}/deliverer", h.handleAssignDeliverer)
	router.Get("/orders/{id}/invoice", h.handleInvoice)
}

func (h *OrderHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	created, err := h.checkout.Checkout(r.Context(), checkout.Request{
		UserID:            p.UserID,
		DeliveryMethod:    order.DeliveryMethod(req.DeliveryMethod),
		DeliveryAddressID: req.DeliveryAddressID,
		Notes:             req.Notes,
		ScheduledFor:      req.ScheduledFor,
	})
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to create order")
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+created.ID.String())
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.ListUserOrders(r.Context(), p.UserID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to list orders")
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []order.Order{}
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canView)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canManage)
	if !ok {
		return
	}

	history, err := h.orders.History(r.Context(), o.ID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to get order history")
		return
	}
	if history == nil {
		history = []order.StatusHistory{}
	}
	respondWithJSON(w, http.StatusOK, history)
}

func (h *OrderHandler) handleCancellable(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canManage)
	if !ok {
		return
	}

	can, err := h.cancel.CanCancel(r.Context(), o.ID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to check cancellation")
		return
	}
	respondWithJSON(w, http.StatusOK, CancellableResponse{OrderID: o.ID, CanCancel: can})
}

func (h *OrderHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, p, ok := h.loadOrder(w, r, canManage)
	if !ok {
		return
	}

	result, err := h.cancel.Cancel(r.Context(), o.ID, actor(p))
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to cancel order")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleUpdateStatus is the staff and deliverer path. Staff cancellations go through the
// cancellation service so that a captured payment is refunded.
func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	o, p, ok := h.loadOrder(w, r, canView)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	to := order.Status(req.Status)

	switch {
	case p.IsStaff():
		if to == order.StatusCancelled {
			result, err := h.cancel.Cancel(r.Context(), o.ID, actor(p))
			if err != nil {
				respondWithServiceError(w, r, err, "Failed to cancel order")
				return
			}
			respondWithJSON(w, http.StatusOK, result.Order)
			return
		}
	case p.IsDeliverer():
		if to != order.StatusOutForDelivery && to != order.StatusDelivered {
			respondWithError(w, http.StatusForbidden, "Deliverers may only report delivery progress")
			return
		}
	default:
		respondWithError(w, http.StatusForbidden, "Only staff can change the order status")
		return
	}

	note := req.Note
	if note == "" {
		note = "updated by " + actor(p)
	}
	updated, err := h.orders.UpdateStatus(r.Context(), o.ID, to, note)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to update order status")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleAssignDeliverer(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsStaff() {
		respondWithError(w, http.StatusForbidden, "Only staff can assign deliverers")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req AssignDelivererRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	updated, err := h.orders.AssignDeliverer(r.Context(), id, req.DelivererID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to assign deliverer")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleInvoice(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canManage)
	if !ok {
		return
	}
	switch o.PaymentStatus {
	case order.PaymentCompleted, order.PaymentPartiallyRefunded, order.PaymentRefunded:
	default:
		respondWithError(w, http.StatusConflict, "Invoice is available once the order is paid")
		return
	}

	doc, err := h.invoices.Render(*o)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("handler: failed to render invoice")
		respondWithError(w, http.StatusInternalServerError, "Failed to render invoice")
		return
	}

	w.Header().Set("Content-Type", invoice.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Data); err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("handler: failed to write invoice")
	}
}

type accessRule func(p auth.Principal, o *order.Order) bool

func canView(p auth.Principal, o *order.Order) bool {
	if canManage(p, o) {
		return true
	}
	return p.IsDeliverer() && o.AssignedTo != nil && *o.AssignedTo == p.UserID
}

func canManage(p auth.Principal, o *order.Order) bool {
	return p.IsStaff() || o.UserID == p.UserID
}

// loadOrder answers 404 for orders the caller may not see, so ids of other users' orders are
// indistinguishable from unknown ones.
func (h *OrderHandler) loadOrder(w http.ResponseWriter, r *http.Request, allowed accessRule) (*order.Order, auth.Principal, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, p, false
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, p, false
	}

	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to get order")
		return nil, p, false
	}
	if !allowed(p, o) {
		log.Warn().Stringer("order_id", id).Stringer("user_id", p.UserID).Msg("handler: order access denied")
		respondWithError(w, http.StatusNotFound, "Order not found")
		return nil, p, false
	}
	return o, p, true
}

func actor(p auth.Principal) string {
	name := p.Email
	if name == "" {
		name = p.UserID.String()
	}
	if p.Role == auth.RoleCustomer {
		return "customer"
	}
	return string(p.Role) + ":" + name
}
