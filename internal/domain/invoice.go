package domain

import (
	"time"

	"github.com/google/uuid"
)

// Invoice status values.
const (
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusVoid          = "void"
	InvoiceStatusUncollectible = "uncollectible"
)

// Invoice represents an amount owed, either attached to an order or generated
// by the billing scheduler for a subscription period.
type Invoice struct {
	ID             uuid.UUID  `json:"id"`
	Reference      string     `json:"reference"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	OrderID        *uuid.UUID `json:"order_id,omitempty"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	DueAt          time.Time  `json:"due_at"`
	AttemptCount   int        `json:"attempt_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
