/**
 * @description
 * This file defines the Subscription domain model. Subscriptions are advanced
 * only by the billing scheduler and by successful invoice payment; a success
 * on any retry before suspension reverts past_due back to active.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription lifecycle states.
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusSuspended = "suspended"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription represents a recurring billing agreement for one customer.
type Subscription struct {
	ID               uuid.UUID `json:"id"`
	CustomerID       uuid.UUID `json:"customer_id"`
	Status           string    `json:"status"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	BillingCycleDays int       `json:"billing_cycle_days"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	// InstrumentRef is the stored payment instrument reference submitted to
	// the gateway on renewal collection attempts.
	InstrumentRef string    `json:"instrument_ref"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Billable reports whether the scheduler should still attempt collection.
func (s *Subscription) Billable() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPastDue
}
