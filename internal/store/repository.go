/**
 * @description
 * This file defines the `Repository` interface: the contract for every ledger
 * operation the engine performs. The interface decouples the reconciliation
 * core, the sweeper, and the billing scheduler from PostgreSQL so each can be
 * exercised against hand-written stubs in tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Entity identifiers.
 * - internal/domain: Ledger domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paysoko/billing-service/internal/domain"
)

// SettleOrderParams carries everything SettleOrderAtomic persists in one
// transaction.
type SettleOrderParams struct {
	OrderID    uuid.UUID
	CustomerID uuid.UUID
	AttemptID  uuid.UUID
	Amount     int64
	CouponID   *uuid.UUID
}

// SettleInvoiceParams carries everything SettleInvoiceAtomic persists in one
// transaction. NewPeriodEnd is the advanced subscription period end.
type SettleInvoiceParams struct {
	InvoiceID      uuid.UUID
	SubscriptionID *uuid.UUID
	AttemptID      uuid.UUID
	NewPeriodEnd   time.Time
}

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// Order methods
	CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
	FindOrderByReference(ctx context.Context, reference string) (*domain.Order, error)
	// TransitionOrderStatus performs a conditional forward transition. It
	// returns ErrStaleTransition when the order is no longer in any of the
	// allowed source states.
	TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, fromStatuses []string, toStatus string) error
	FlagOrderConflict(ctx context.Context, orderID uuid.UUID, detail string) error
	ListStaleAwaitingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error)

	// Payment attempt methods
	RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	FindSettledAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error)
	FindSettledAttemptByInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.PaymentAttempt, error)
	// FindSuccessfulAttemptByTransID returns the successful attempt already
	// recorded for a gateway transaction id, settling or not. Redelivered
	// settlement signals are deduplicated against it.
	FindSuccessfulAttemptByTransID(ctx context.Context, gatewayTransID string) (*domain.PaymentAttempt, error)

	// Settlement methods. Both are all-or-nothing: the state transition, the
	// settling-attempt mark and every side effect commit together or not at all.
	SettleOrderAtomic(ctx context.Context, params SettleOrderParams) error
	SettleInvoiceAtomic(ctx context.Context, params SettleInvoiceParams) error

	// Invoice and subscription methods
	FindInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error)
	// CreateRenewalInvoice creates the invoice for a subscription period, or
	// returns the already-open invoice for the same period (idempotent under
	// scheduler overlap).
	CreateRenewalInvoice(ctx context.Context, sub *domain.Subscription, periodStart, periodEnd, dueAt time.Time) (*domain.Invoice, error)
	ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]domain.Subscription, error)
	// BumpInvoiceRetry increments the attempt counter and schedules the next
	// retry. It returns the new attempt count.
	BumpInvoiceRetry(ctx context.Context, invoiceID uuid.UUID, nextRetryAt time.Time) (int, error)
	MarkInvoiceUncollectible(ctx context.Context, invoiceID uuid.UUID) error
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error

	// Wallet methods
	GetWalletBalance(ctx context.Context, customerID uuid.UUID) (int64, error)
}
