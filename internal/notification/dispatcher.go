package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/invoice"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

const defaultTimeout = 10 * time.Second

// Dispatcher sends notifications in the background after the caller's transaction committed.
// Failures are logged and counted, never returned.
type Dispatcher struct {
	publisher Publisher
	renderer  invoice.Renderer
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(publisher Publisher, renderer invoice.Renderer, m *metrics.Metrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		publisher: publisher,
		renderer:  renderer,
		metrics:   m,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (d *Dispatcher) OrderCreated(ctx context.Context, o order.Order) {
	d.send(ctx, newMessage(TemplateOrderCreated, o, d.now().UTC()))
}

func (d *Dispatcher) OrderStatusChanged(ctx context.Context, o order.Order, from order.Status) {
	tmpl, ok := TemplateFor(o.Status)
	if !ok {
		return
	}
	msg := newMessage(tmpl, o, d.now().UTC())
	msg.PreviousStatus = from
	d.send(ctx, msg)
}

func (d *Dispatcher) RefundProcessed(ctx context.Context, o order.Order, amount decimal.Decimal) {
	msg := newMessage(TemplateRefundProcessed, o, d.now().UTC())
	msg.RefundAmount = &amount
	d.send(ctx, msg)
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	// the request that triggered us may finish before the message is out
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("template", string(msg.Template)).Msg("notification: dispatcher panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		if msg.Template == TemplatePaymentConfirmed {
			d.attachInvoice(&msg)
		}

		err := d.publisher.Publish(ctx, msg)
		d.metrics.Notification(string(msg.Template), err)
		if err != nil {
			log.Error().Err(err).
				Str("template", string(msg.Template)).
				Stringer("order_id", msg.OrderID).
				Msg("notification: failed to send notification")
			return
		}
		log.Debug().Str("template", string(msg.Template)).Stringer("order_id", msg.OrderID).Msg("notification: notification sent")
	}()
}

// attachInvoice leaves the message without attachment when rendering fails.
func (d *Dispatcher) attachInvoice(msg *Message) {
	if d.renderer == nil {
		return
	}
	doc, err := d.renderer.Render(msg.Order)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", msg.OrderID).Msg("notification: failed to render invoice, sending without it")
		return
	}
	msg.Attachment = &Attachment{Filename: doc.Filename, ContentType: invoice.ContentType, Data: doc.Data}
}

// Wait blocks until every notification started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
