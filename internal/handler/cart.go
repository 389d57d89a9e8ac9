package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cart"
)

type CustomizationRequest struct {
	IngredientID uuid.UUID `json:"ingredient_id" validate:"required"`
	Include      bool      `json:"include"`
	Extra        bool      `json:"extra"`
}

type AddCartItemRequest struct {
	ItemID         uuid.UUID              `json:"item_id" validate:"required"`
	Quantity       int                    `json:"quantity" validate:"required,min=1,max=99"`
	Notes          *string                `json:"notes,omitempty" validate:"omitempty,max=500"`
	Customizations []CustomizationRequest `json:"customizations,omitempty" validate:"omitempty,dive"`
}

type UpdateCartItemRequest struct {
	Quantity       *int                    `json:"quantity,omitempty" validate:"omitempty,min=1,max=99"`
	Notes          *string                 `json:"notes,omitempty" validate:"omitempty,max=500"`
	Customizations *[]CustomizationRequest `json:"customizations,omitempty" validate:"omitempty,dive"`
}

type CartHandler struct {
	service  cart.Service
	validate *validator.Validate
}

func NewCartHandler(service cart.Service) *CartHandler {
	return &CartHandler{service: service, validate: newValidator()}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Get("/cart", h.handleGetCart)
	router.Delete("/cart", h.handleClearCart)
	router.Post("/cart/items", h.handleAddItem)
	router.Put("/cart/items/{itemID}", h.handleUpdateItem)
	router.Delete("/cart/items/{itemID}", h.handleRemoveItem)
}

func (h *CartHandler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetCart(r.Context(), p.UserID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to get cart")
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *CartHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req AddCartItemRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}

	c, err := h.service.AddItem(r.Context(), p.UserID, cart.AddItemInput{
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
		Notes:          req.Notes,
		Customizations: toCustomizations(req.Customizations),
	})
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to add item to cart")
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *CartHandler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	itemID, ok := uuidParam(w, r, "itemID")
	if !ok {
		return
	}

	var req UpdateCartItemRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if req.Quantity == nil && req.Notes == nil && req.Customizations == nil {
		respondWithError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	in := cart.UpdateItemInput{Quantity: req.Quantity, Notes: req.Notes}
	if req.Customizations != nil {
		cs := toCustomizations(*req.Customizations)
		if cs == nil {
			cs = []cart.Customization{}
		}
		in.Customizations = &cs
	}

	c, err := h.service.UpdateItem(r.Context(), p.UserID, itemID, in)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to update cart item")
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	itemID, ok := uuidParam(w, r, "itemID")
	if !ok {
		return
	}

	c, err := h.service.RemoveItem(r.Context(), p.UserID, itemID)
	if err != nil {
		respondWithServiceError(w, r, err, "Failed to remove cart item")
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *CartHandler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.service.Clear(r.Context(), p.UserID); err != nil {
		respondWithServiceError(w, r, err, "Failed to clear cart")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toCustomizations(in []CustomizationRequest) []cart.Customization {
	if in == nil {
		return nil
	}
	out := make([]cart.Customization, 0, len(in))
	for _, c := range in {
		out = append(out, cart.Customization{IngredientID: c.IngredientID, Include: c.Include, Extra: c.Extra})
	}
	return out
}
