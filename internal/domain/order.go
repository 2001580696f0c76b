/**
 * @description
 * This file defines the Order domain model and its state machine. Orders are
 * the unit the reconciliation engine operates on: every payment event from the
 * gateway ultimately resolves to exactly one forward-only transition on one
 * order row.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order status values. Transitions move forward only; the single allowed
// backward edge is payment_failed -> awaiting_payment (customer retry).
const (
	OrderStatusCreated         = "created"
	OrderStatusAwaitingPayment = "awaiting_payment"
	OrderStatusPaid            = "paid"
	OrderStatusPaymentFailed   = "payment_failed"
	OrderStatusCancelled       = "cancelled"
)

// Order represents one purchase attempt. The Reference is the client-chosen
// idempotency key and is immutable for the lifetime of the order.
type Order struct {
	ID               uuid.UUID  `json:"id"`
	Reference        string     `json:"reference"`
	CustomerID       uuid.UUID  `json:"customer_id"`
	Amount           int64      `json:"amount"` // minor units (kobo)
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	InvoiceID        *uuid.UUID `json:"invoice_id,omitempty"`
	CouponID         *uuid.UUID `json:"coupon_id,omitempty"`
	ConflictFlagged  bool       `json:"conflict_flagged"`
	CreatedAt        time.Time  `json:"created_at"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
}

// orderEdges enumerates the permitted status transitions.
var orderEdges = map[string][]string{
	OrderStatusCreated:         {OrderStatusAwaitingPayment},
	OrderStatusAwaitingPayment: {OrderStatusPaid, OrderStatusPaymentFailed, OrderStatusCancelled},
	OrderStatusPaymentFailed:   {OrderStatusAwaitingPayment, OrderStatusPaid},
}

// CanTransition reports whether an order may move from one status to another.
// payment_failed -> paid is permitted so a late gateway success still wins
// after a sweep already marked the order failed. cancelled is reachable from
// awaiting_payment only.
func CanTransition(from, to string) bool {
	for _, next := range orderEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalOrderStatus reports whether no further transitions are expected.
// payment_failed is retryable and therefore not terminal.
func IsTerminalOrderStatus(status string) bool {
	return status == OrderStatusPaid || status == OrderStatusCancelled
}
