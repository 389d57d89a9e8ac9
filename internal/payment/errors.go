package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
)

var (
	ErrAlreadyPaid      = errors.New("payment: order is already paid")
	ErrOrderNotPayable  = errors.New("payment: order does not accept payment in its current status")
	ErrPaymentMismatch  = errors.New("payment: payment reference does not belong to the order")
	ErrNotPaid          = errors.New("payment: order has no completed payment")
	ErrInvalidAmount    = errors.New("payment: invalid refund amount")
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	ErrMissingSignature = errors.New("payment: webhook signature header is missing")
	ErrMalformedWebhook = errors.New("payment: malformed webhook payload")
)

type PaymentMismatchError struct {
	Expected string
	Claimed  string
}

func (e *PaymentMismatchError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("payment: order has no payment intent, got %q", e.Claimed)
	}
	return fmt.Sprintf("payment: payment reference %q does not match order payment %q", e.Claimed, e.Expected)
}

func (e *PaymentMismatchError) Unwrap() error { return ErrPaymentMismatch }

type NotPaidError struct {
	Status order.PaymentStatus
}

func (e *NotPaidError) Error() string {
	return fmt.Sprintf("payment: order cannot be refunded with payment status %s", e.Status)
}

func (e *NotPaidError) Unwrap() error { return ErrNotPaid }

type InvalidAmountError struct {
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	if !e.Amount.IsPositive() {
		return fmt.Sprintf("payment: refund amount %s must be positive", e.Amount.StringFixed(2))
	}
	return fmt.Sprintf("payment: refund amount %s exceeds refundable %s", e.Amount.StringFixed(2), e.Limit.StringFixed(2))
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

type InvalidSignatureError struct {
	Reason string
}

func (e *InvalidSignatureError) Error() string {
	return "payment: invalid webhook signature: " + e.Reason
}

func (e *InvalidSignatureError) Unwrap() error { return ErrInvalidSignature }
