package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusPreparing      Status = "PREPARING"
	StatusReady          Status = "READY"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusFailed         Status = "FAILED"
)

func (s Status) String() string {
	return string(s)
}

type PaymentStatus string

const (
	PaymentNone              PaymentStatus = "none"
	PaymentPending           PaymentStatus = "pending"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

func (s PaymentStatus) String() string {
	return string(s)
}

// Paid reports whether money was captured and not fully returned.
func (s PaymentStatus) Paid() bool {
	return s == PaymentCompleted || s == PaymentPartiallyRefunded
}

type DeliveryMethod string

const (
	DeliveryMethodPickup   DeliveryMethod = "pickup"
	DeliveryMethodDelivery DeliveryMethod = "delivery"
)

func (m DeliveryMethod) Valid() bool {
	return m == DeliveryMethodPickup || m == DeliveryMethodDelivery
}

type Customization struct {
	IngredientName string          `json:"ingredient_name"`
	Include        bool            `json:"include"`
	Extra          bool            `json:"extra"`
	ExtraPrice     decimal.Decimal `json:"extra_price"`
}

// Line is a snapshot of a catalog item taken at checkout. It never changes afterwards.
type Line struct {
	ID             uuid.UUID       `json:"id"`
	OrderID        uuid.UUID       `json:"order_id"`
	Position       int             `json:"position"`
	ItemID         uuid.UUID       `json:"item_id"`
	ItemName       string          `json:"item_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
	Notes          string          `json:"notes,omitempty"`
	Customizations []Customization `json:"customizations"`
}

type StatusHistory struct {
	ID        int64     `json:"id"`
	OrderID   uuid.UUID `json:"order_id"`
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Order struct {
	ID                uuid.UUID       `json:"id"`
	Number            string          `json:"order_number"`
	UserID            uuid.UUID       `json:"user_id"`
	DeliveryMethod    DeliveryMethod  `json:"delivery_method"`
	DeliveryAddressID *uuid.UUID      `json:"delivery_address_id,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	DeliveryFee       decimal.Decimal `json:"delivery_fee"`
	Total             decimal.Decimal `json:"total"`
	Notes             string          `json:"notes,omitempty"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty"`
	ExpectedDelivery  time.Time       `json:"expected_delivery"`
	PaymentID         *string         `json:"payment_id,omitempty"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	Status            Status          `json:"status"`
	AssignedTo        *uuid.UUID      `json:"assigned_to,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Lines             []Line          `json:"lines"`
}

func (o *Order) PaymentRef() string {
	if o.PaymentID == nil {
		return ""
	}
	return *o.PaymentID
}

// TotalsConsistent checks total = subtotal + tax + delivery_fee.
func (o *Order) TotalsConsistent() bool {
	return o.Total.Equal(o.Subtotal.Add(o.Tax).Add(o.DeliveryFee))
}
