package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/address"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cart"
	"github.com/vasiliy-maslov/order-lifecycle/internal/catalog"
	"github.com/vasiliy-maslov/order-lifecycle/internal/checkout"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
	"github.com/vasiliy-maslov/order-lifecycle/internal/pricing"
)

const maxRequestBody = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

// respondWithError отправляет JSON ошибку
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("handler: failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, cart.ErrCartNotFound),
		errors.Is(err, catalog.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrEmptyCart),
		errors.Is(err, pricing.ErrUnavailableItem),
		errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidCustomization),
		errors.Is(err, checkout.ErrInvalidDeliveryMethod),
		errors.Is(err, checkout.ErrDeliveryAddressRequired),
		errors.Is(err, checkout.ErrInvalidDeliveryAddress),
		errors.Is(err, checkout.ErrScheduleInPast),
		errors.Is(err, address.ErrAddressNotFound),
		errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrMissingSignature),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMalformedWebhook):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrDelivererNotAssignable),
		errors.Is(err, payment.ErrPaymentMismatch),
		errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrOrderNotPayable),
		errors.Is(err, payment.ErrNotPaid),
		errors.Is(err, cancellation.ErrCancellationWindowExpired):
		return http.StatusConflict
	case errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError logs err and answers with a message that never leaks internals.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	code := mapErrorToStatusCode(err)
	event := log.Warn()
	if code >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("handler: request failed")

	respondWithError(w, code, clientMessage(err, code, fallback))
}

func clientMessage(err error, code int, fallback string) string {
	var (
		unavailable *pricing.UnavailableItemError
		transition  *order.InvalidTransitionError
		amount      *payment.InvalidAmountError
		window      *cancellation.CancellationWindowExpiredError
	)
	switch {
	case code == http.StatusServiceUnavailable:
		return "Payment temporarily unavailable, please retry"
	case code >= http.StatusInternalServerError:
		return fallback
	case errors.As(err, &unavailable):
		if unavailable.Name != "" {
			return fmt.Sprintf("Item %q is not available", unavailable.Name)
		}
		return "Item is not available"
	case errors.As(err, &transition):
		if transition.From == "" {
			return fmt.Sprintf("Unknown status %q", transition.To)
		}
		return fmt.Sprintf("Order cannot move from %s to %s", transition.From, transition.To)
	case errors.As(err, &amount):
		return strings.TrimPrefix(amount.Error(), "payment: ")
	case errors.As(err, &window):
		return "Order can no longer be cancelled: " + window.Reason
	case errors.Is(err, order.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, cart.ErrLineNotFound):
		return "Item is not in the cart"
	case errors.Is(err, catalog.ErrItemNotFound):
		return "Item not found"
	case errors.Is(err, pricing.ErrEmptyCart):
		return "Cart is empty"
	case errors.Is(err, payment.ErrPaymentMismatch):
		return "Payment does not belong to this order"
	case errors.Is(err, payment.ErrAlreadyPaid):
		return "Order is already paid"
	case errors.Is(err, payment.ErrOrderNotPayable):
		return "Order cannot be paid in its current status"
	case errors.Is(err, payment.ErrNotPaid):
		return "Order has no completed payment"
	case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrMissingSignature):
		return "Invalid signature"
	case errors.Is(err, payment.ErrMalformedWebhook):
		return "Malformed payload"
	case errors.Is(err, address.ErrAddressNotFound):
		return "Delivery address not found"
	default:
		// sentinel texts are "<package>: <reason>"
		msg := err.Error()
		if _, reason, ok := strings.Cut(msg, ": "); ok {
			msg = reason
		}
		return msg
	}
}

// decodeAndValidate writes the error response itself and reports whether the handler may continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("handler: failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationErrors(validationErrors),
			})
			return false
		}
		log.Error().Err(err).Type("validation_error_type", err).Msg("handler: unexpected error type during validation")
		respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		return false
	}
	return true
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			details[field] = "is required"
		case "min":
			details[field] = "must be at least " + fe.Param()
		case "max":
			details[field] = "must be at most " + fe.Param()
		case "oneof":
			details[field] = "must be one of: " + fe.Param()
		default:
			details[field] = "failed on " + fe.Tag()
		}
	}
	return details
}

func newValidator() *validator.Validate {
	validate := validator.New()
	// report json names, not Go field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	param := chi.URLParam(r, name)
	id, err := uuid.FromString(param)
	if err != nil {
		log.Warn().Err(err).Str(name, param).Msg("handler: failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid "+name+" parameter")
		return uuid.Nil, false
	}
	return id, true
}

// principal is only missing when a route was mounted outside the auth middleware.
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.CurrentUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return auth.Principal{}, false
	}
	return p, true
}
