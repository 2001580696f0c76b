/**
 * @description
 * This file defines the payment-event types shared by every adapter that feeds
 * the reconciliation core: the inbound webhook receiver, the client-triggered
 * status prober, and the periodic sweeper. Raw gateway payloads are normalized
 * into a PaymentEvent exactly once, at the adapter boundary; the core never
 * inspects gateway-specific fields.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment attempt results as stored on the ledger.
const (
	AttemptResultPending = "pending"
	AttemptResultSuccess = "success"
	AttemptResultFailed  = "failed"
	AttemptResultUnknown = "unknown"
)

// Source channels a payment event or attempt can arrive on. checkout marks
// the initiating attempt recorded when a collection is first requested.
const (
	ChannelNotification = "notification"
	ChannelProbe        = "probe"
	ChannelSweep        = "sweep"
	ChannelBilling      = "billing"
	ChannelCheckout     = "checkout"
)

// Reference kinds a payment event can target.
const (
	RefKindOrder   = "order"
	RefKindInvoice = "invoice"
)

// PaymentAttempt is one gateway-facing try to collect an order or invoice
// amount. At most one attempt per order/invoice is ever marked as settling.
type PaymentAttempt struct {
	ID             uuid.UUID  `json:"id"`
	OrderID        *uuid.UUID `json:"order_id,omitempty"`
	InvoiceID      *uuid.UUID `json:"invoice_id,omitempty"`
	GatewayTransID *string    `json:"gateway_transaction_id,omitempty"`
	Result         string     `json:"result"`
	Settling       bool       `json:"settling"`
	Channel        string     `json:"channel"`
	RawPayload     []byte     `json:"-"` // opaque gateway payload, audit only
	AttemptedAt    time.Time  `json:"attempted_at"`
}

// PaymentEvent is the normalized, validated form of a gateway signal.
type PaymentEvent struct {
	RefKind        string    // order or invoice
	Reference      string    // order reference or invoice reference
	GatewayTransID string    // gateway-assigned transaction id
	Result         string    // success, failed or pending
	Channel        string    // which adapter produced the event
	OccurredAt     time.Time // monotonic event timestamp from the source
	RawPayload     []byte    // stored opaquely on the attempt row
}

// Outcome is the reconciliation core's verdict for one applied event.
type Outcome string

const (
	// OutcomeApplied means the event caused a state transition.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyApplied means the event was a duplicate delivery of an
	// attempt that already settled; a no-op success.
	OutcomeAlreadyApplied Outcome = "already_applied"
	// OutcomeConflict means a second, different successful transaction id was
	// reported for a reference that already settled. Fail closed.
	OutcomeConflict Outcome = "conflict"
	// OutcomeBusy means the reference lease could not be acquired within the
	// bounded wait. The caller may retry.
	OutcomeBusy Outcome = "busy"
	// OutcomeRecorded means a pending or non-transitioning event was stored
	// for future reconciliation without changing state.
	OutcomeRecorded Outcome = "recorded"
)
