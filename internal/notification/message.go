package notification

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

type Template string

const (
	TemplateOrderCreated     Template = "order_created"
	TemplatePaymentConfirmed Template = "payment_confirmed"
	TemplateOutForDelivery   Template = "order_out_for_delivery"
	TemplateDelivered        Template = "order_delivered"
	TemplateCancelled        Template = "order_cancelled"
	TemplateRefundProcessed  Template = "refund_processed"
)

var statusTemplates = map[order.Status]Template{
	order.StatusConfirmed:      TemplatePaymentConfirmed,
	order.StatusOutForDelivery: TemplateOutForDelivery,
	order.StatusDelivered:      TemplateDelivered,
	order.StatusCancelled:      TemplateCancelled,
}

// TemplateFor returns the template for a committed transition into s, if there is one.
func TemplateFor(s order.Status) (Template, bool) {
	t, ok := statusTemplates[s]
	return t, ok
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Message is what the notification service receives. Recipient is the user id; resolving it to
// an address is the notification service's job.
type Message struct {
	Template       Template            `json:"template"`
	Recipient      string              `json:"recipient"`
	OrderID        uuid.UUID           `json:"order_id"`
	OrderNumber    string              `json:"order_number"`
	Status         order.Status        `json:"status"`
	PreviousStatus order.Status        `json:"previous_status,omitempty"`
	PaymentStatus  order.PaymentStatus `json:"payment_status"`
	Total          decimal.Decimal     `json:"total"`
	RefundAmount   *decimal.Decimal    `json:"refund_amount,omitempty"`
	Order          order.Order         `json:"order"`
	Attachment     *Attachment         `json:"attachment,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

func newMessage(t Template, o order.Order, now time.Time) Message {
	return Message{
		Template:      t,
		Recipient:     o.UserID.String(),
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.Total,
		Order:         o,
		OccurredAt:    now,
	}
}
