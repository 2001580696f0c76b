/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the ledger tables: orders,
 * invoices, payment_attempts, wallets, wallet_credits, coupon_redemptions and
 * subscriptions. Settlement methods run inside a single transaction so the
 * status transition and its side effects commit together or not at all.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paysoko/billing-service/internal/domain"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAttemptNotFound      = errors.New("payment attempt not found")
	ErrWalletNotFound       = errors.New("wallet not found")
	// ErrStaleTransition means a conditional transition matched no row: the
	// record already left the expected source state.
	ErrStaleTransition = errors.New("stale state transition")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `id, reference, customer_id, amount, currency, status, invoice_id, coupon_id, conflict_flagged, created_at, last_transition_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID,
		&order.Reference,
		&order.CustomerID,
		&order.Amount,
		&order.Currency,
		&order.Status,
		&order.InvoiceID,
		&order.CouponID,
		&order.ConflictFlagged,
		&order.CreatedAt,
		&order.LastTransitionAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// CreateOrder inserts a new order. The reference is the client-chosen
// idempotency key: re-submitting the same reference returns the existing
// order untouched.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	query := `
		INSERT INTO orders (id, reference, customer_id, amount, currency, status, coupon_id, created_at, last_transition_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (reference) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		order.ID, order.Reference, order.CustomerID, order.Amount, order.Currency, order.Status, order.CouponID,
	)
	if err != nil {
		return nil, err
	}
	return r.FindOrderByReference(ctx, order.Reference)
}

// FindOrderByReference retrieves an order by its client-chosen reference.
func (r *PostgresRepository) FindOrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE reference = $1`
	return scanOrder(r.db.QueryRow(ctx, query, reference))
}

// TransitionOrderStatus performs a conditional forward transition on an order.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, fromStatuses []string, toStatus string) error {
	query := `
		UPDATE orders
		SET status = $1, last_transition_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`
	result, err := r.db.Exec(ctx, query, toStatus, orderID, fromStatuses)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FlagOrderConflict marks an order for manual review after a conflicting
// settlement signal. The order's status is left untouched.
func (r *PostgresRepository) FlagOrderConflict(ctx context.Context, orderID uuid.UUID, detail string) error {
	query := `
		UPDATE orders
		SET conflict_flagged = TRUE,
		    conflict_detail = COALESCE(conflict_detail || '; ', '') || $1
		WHERE id = $2
	`
	result, err := r.db.Exec(ctx, query, detail, orderID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListStaleAwaitingOrders returns awaiting_payment orders older than the
// cutoff, oldest first, bounded by limit. The sweeper feeds on this.
func (r *PostgresRepository) ListStaleAwaitingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1 AND last_transition_at <= $2
		ORDER BY last_transition_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.OrderStatusAwaitingPayment, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// RecordPaymentAttempt stores one gateway-facing attempt, including the raw
// gateway payload for offline audit.
func (r *PostgresRepository) RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (id, order_id, invoice_id, gateway_transaction_id, result, settling, channel, raw_payload, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.OrderID, attempt.InvoiceID, attempt.GatewayTransID,
		attempt.Result, attempt.Settling, attempt.Channel, attempt.RawPayload,
	)
	return err
}

const attemptColumns = `id, order_id, invoice_id, gateway_transaction_id, result, settling, channel, attempted_at`

func scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	err := row.Scan(
		&attempt.ID,
		&attempt.OrderID,
		&attempt.InvoiceID,
		&attempt.GatewayTransID,
		&attempt.Result,
		&attempt.Settling,
		&attempt.Channel,
		&attempt.AttemptedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// FindSettledAttemptByOrder returns the attempt that settled an order, if any.
func (r *PostgresRepository) FindSettledAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE order_id = $1 AND settling = TRUE`
	return scanAttempt(r.db.QueryRow(ctx, query, orderID))
}

// FindSettledAttemptByInvoice returns the attempt that settled an invoice, if any.
func (r *PostgresRepository) FindSettledAttemptByInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE invoice_id = $1 AND settling = TRUE`
	return scanAttempt(r.db.QueryRow(ctx, query, invoiceID))
}

// FindSuccessfulAttemptByTransID returns the successful attempt recorded for a
// gateway transaction id. Gateway transaction ids are unique per collection.
func (r *PostgresRepository) FindSuccessfulAttemptByTransID(ctx context.Context, gatewayTransID string) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE gateway_transaction_id = $1 AND result = $2 LIMIT 1`
	return scanAttempt(r.db.QueryRow(ctx, query, gatewayTransID, domain.AttemptResultSuccess))
}

// SettleOrderAtomic moves an order to paid and applies every settlement side
// effect in one transaction: the settling-attempt mark, the wallet credit
// (idempotent per attempt id via wallet_credits) and the coupon redemption
// (at most once per order).
func (r *PostgresRepository) SettleOrderAtomic(ctx context.Context, params SettleOrderParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, last_transition_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, domain.OrderStatusPaid, params.OrderID, []string{domain.OrderStatusAwaitingPayment, domain.OrderStatusPaymentFailed})
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleTransition
	}

	result, err = tx.Exec(ctx, `
		UPDATE payment_attempts SET settling = TRUE, result = $1 WHERE id = $2
	`, domain.AttemptResultSuccess, params.AttemptID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}

	// The wallet balance moves only when the credit row for this settling
	// attempt id did not exist yet.
	result, err = tx.Exec(ctx, `
		INSERT INTO wallet_credits (attempt_id, customer_id, amount, credited_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (attempt_id) DO NOTHING
	`, params.AttemptID, params.CustomerID, params.Amount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (id, customer_id, balance, updated_at)
			VALUES (gen_random_uuid(), $1, $2, NOW())
			ON CONFLICT (customer_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		`, params.CustomerID, params.Amount); err != nil {
			return err
		}
	}

	if params.CouponID != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO coupon_redemptions (order_id, coupon_id, redeemed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (order_id) DO NOTHING
		`, params.OrderID, *params.CouponID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// SettleInvoiceAtomic moves an invoice to paid, marks the settling attempt and
// advances the owning subscription (back) to active in one transaction.
func (r *PostgresRepository) SettleInvoiceAtomic(ctx context.Context, params SettleInvoiceParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE invoices SET status = $1, next_retry_at = NULL WHERE id = $2 AND status = $3
	`, domain.InvoiceStatusPaid, params.InvoiceID, domain.InvoiceStatusOpen)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleTransition
	}

	result, err = tx.Exec(ctx, `
		UPDATE payment_attempts SET settling = TRUE, result = $1 WHERE id = $2
	`, domain.AttemptResultSuccess, params.AttemptID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}

	if params.SubscriptionID != nil {
		result, err = tx.Exec(ctx, `
			UPDATE subscriptions
			SET status = $1, current_period_end = $2, updated_at = NOW()
			WHERE id = $3 AND status <> $4
		`, domain.SubscriptionStatusActive, params.NewPeriodEnd, *params.SubscriptionID, domain.SubscriptionStatusCancelled)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrSubscriptionNotFound
		}
	}

	return tx.Commit(ctx)
}

const invoiceColumns = `id, reference, subscription_id, order_id, customer_id, amount, currency, status, period_start, period_end, due_at, attempt_count, next_retry_at, created_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := row.Scan(
		&invoice.ID,
		&invoice.Reference,
		&invoice.SubscriptionID,
		&invoice.OrderID,
		&invoice.CustomerID,
		&invoice.Amount,
		&invoice.Currency,
		&invoice.Status,
		&invoice.PeriodStart,
		&invoice.PeriodEnd,
		&invoice.DueAt,
		&invoice.AttemptCount,
		&invoice.NextRetryAt,
		&invoice.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// FindInvoiceByReference retrieves an invoice by its reference.
func (r *PostgresRepository) FindInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE reference = $1`
	return scanInvoice(r.db.QueryRow(ctx, query, reference))
}

// CreateRenewalInvoice creates the renewal invoice for a subscription period.
// A unique index on (subscription_id, period_start) makes this idempotent:
// under scheduler overlap the second caller gets the first caller's invoice.
func (r *PostgresRepository) CreateRenewalInvoice(ctx context.Context, sub *domain.Subscription, periodStart, periodEnd, dueAt time.Time) (*domain.Invoice, error) {
	id := uuid.New()
	reference := fmt.Sprintf("INV-%s-%s", sub.ID, periodStart.UTC().Format("20060102"))
	query := `
		INSERT INTO invoices (id, reference, subscription_id, customer_id, amount, currency, status, period_start, period_end, due_at, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW())
		ON CONFLICT (subscription_id, period_start) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		id, reference, sub.ID, sub.CustomerID, sub.Amount, sub.Currency,
		domain.InvoiceStatusOpen, periodStart, periodEnd, dueAt,
	)
	if err != nil {
		return nil, err
	}

	existing := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE subscription_id = $1 AND period_start = $2
	`
	return scanInvoice(r.db.QueryRow(ctx, existing, sub.ID, periodStart))
}

const subscriptionColumns = `id, customer_id, status, amount, currency, billing_cycle_days, current_period_end, instrument_ref, created_at, updated_at`

// ListDueSubscriptions returns billable subscriptions whose current period end
// is at or before asOf.
func (r *PostgresRepository) ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE current_period_end <= $1 AND status = ANY($2)
		ORDER BY current_period_end ASC
	`
	rows, err := r.db.Query(ctx, query, asOf, []string{domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.CustomerID, &sub.Status, &sub.Amount, &sub.Currency,
			&sub.BillingCycleDays, &sub.CurrentPeriodEnd, &sub.InstrumentRef,
			&sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// BumpInvoiceRetry increments the collection attempt counter and schedules the
// next retry.
func (r *PostgresRepository) BumpInvoiceRetry(ctx context.Context, invoiceID uuid.UUID, nextRetryAt time.Time) (int, error) {
	var attempts int
	query := `
		UPDATE invoices
		SET attempt_count = attempt_count + 1, next_retry_at = $1
		WHERE id = $2 AND status = $3
		RETURNING attempt_count
	`
	err := r.db.QueryRow(ctx, query, nextRetryAt, invoiceID, domain.InvoiceStatusOpen).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrInvoiceNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// MarkInvoiceUncollectible closes out an invoice the scheduler has given up on.
func (r *PostgresRepository) MarkInvoiceUncollectible(ctx context.Context, invoiceID uuid.UUID) error {
	query := `UPDATE invoices SET status = $1, next_retry_at = NULL WHERE id = $2 AND status = $3`
	result, err := r.db.Exec(ctx, query, domain.InvoiceStatusUncollectible, invoiceID, domain.InvoiceStatusOpen)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// UpdateSubscriptionStatus sets a subscription's lifecycle state.
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error {
	query := `UPDATE subscriptions SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, status, subscriptionID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GetWalletBalance returns a customer's current wallet balance.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, customerID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE customer_id = $1`, customerID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrWalletNotFound
		}
		return 0, err
	}
	return balance, nil
}
