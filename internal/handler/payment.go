package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
)

const (
	SignatureHeader = "Stripe-Signature"

	maxWebhookBody = 64 << 10
)

type PaymentEngine interface {
	CreateIntent(ctx context.Context, orderID uuid.UUID) (*payment.IntentResult, error)
	Confirm(ctx context.Context, orderID uuid.UUID, claimedPaymentID string) (*payment.ConfirmResult, error)
	Refund(ctx context.Context, orderID uuid.UUID, amount *decimal.Decimal) (*payment.RefundResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type ConfirmPaymentRequest struct {
	PaymentID string `json:"payment_id" validate:"required,max=255"`
}

// RefundRequest without an amount refunds everything not yet refunded.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type PaymentHandler struct {
	engine   PaymentEngine
	orders   order.Service
	validate *validator.Validate
}

func NewPaymentHandler(engine PaymentEngine, orders order.Service) *PaymentHandler {
	return &PaymentHandler{engine: engine, orders: orders, validate: newValidator()}
}

func (h *PaymentHandler) RegisterRoutes(router chi.Router, idempotent func(http.Handler) http.Handler) {
	router.Post("/orders/{id}/payment-intent", h.handleCreateIntent)
	router.Post("/orders/{id}/payment-confirm", h.handleConfirm)
	router.With(idempotent).Post("/orders/{id}/refund", h.handleRefund)
}

// RegisterWebhook mounts the provider callback. It sits outside bearer auth; the signature is
// the authentication.
func (h *PaymentHandler) RegisterWebhook(router chi.Router) {
	router.With(middleware.RequestSize(maxWebhookBody)).Post("/payments/webhook", h.handleWebhook)
}

func (h *PaymentHandler) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}

	intent, err := h.engine.CreateIntent(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to create payment")
		return
	}
	respondWithJSON(w, http.StatusCreated, intent)
}

func (h *PaymentHandler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}

	var req ConfirmPaymentRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	result, err := h.engine.Confirm(r.Context(), id, req.PaymentID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to confirm payment")
		return
	}

	code := http.StatusOK
	if !result.Completed {
		code = http.StatusAccepted
	}
	respondWithJSON(w, code, result)
}

func (h *PaymentHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if !p.IsStaff() {
		respondWithError(w, http.StatusForbidden, "Only staff can issue refunds")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req RefundRequest
	if r.ContentLength != 0 {
		if !decodeAndValidate(w, r, h.validate, &req) {
			return
		}
	}

	result, err := h.engine.Refund(r.Context(), id, req.Amount)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to refund payment")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleWebhook answers 2xx for everything the engine accepted, including events it ignores,
// so the provider stops redelivering. Transient failures answer 5xx so it retries.
func (h *PaymentHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("handler: webhook body too large")
			respondWithError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		log.Warn().Err(err).Msg("handler: failed to read webhook body")
		respondWithError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if err := h.engine.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader)); err != nil {
		respondWithServiceError(w, r, err, "Failed to process webhook")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ownedOrder only lets the order's owner start or confirm its payment.
func (h *PaymentHandler) ownedOrder(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, ok := principal(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}

	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to get order")
		return uuid.Nil, false
	}
	if o.UserID != p.UserID {
		log.Warn().Stringer("order_id", id).Stringer("user_id", p.UserID).Msg("handler: payment for someone else's order")
		respondWithError(w, http.StatusNotFound, "Order not found")
		return uuid.Nil, false
	}
	return id, true
}
