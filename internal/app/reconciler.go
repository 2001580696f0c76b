/**
 * @description
 * This file implements the reconciliation core: the single consumer contract
 * every gateway signal adapter feeds. ApplyPaymentEvent applies one payment
 * event to one order or invoice exactly once, regardless of which channel
 * delivered it, in what order, or how many times. Gateway I/O never happens
 * here; the reference lease is held only around the ledger transition.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
)

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Reconciler applies normalized payment events to the ledger.
type Reconciler struct {
	repo          store.Repository
	leases        Locker
	publisher     EventPublisher
	auditExchange string
	eventExchange string
}

// NewReconciler creates the reconciliation core.
func NewReconciler(repo store.Repository, leases Locker, publisher EventPublisher, auditExchange, eventExchange string) *Reconciler {
	return &Reconciler{
		repo:          repo,
		leases:        leases,
		publisher:     publisher,
		auditExchange: auditExchange,
		eventExchange: eventExchange,
	}
}

// FulfillmentEvent is published on every paid transition. Delivery is
// at-least-once; consumers must be idempotent on the order reference.
type FulfillmentEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	OrderReference string    `json:"order_reference"`
	CustomerID     uuid.UUID `json:"customer_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	AttemptID      uuid.UUID `json:"attempt_id"`
	GatewayTransID string    `json:"gateway_transaction_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditRecord is the structured trace of one reconciliation decision.
type AuditRecord struct {
	Reference      string         `json:"reference"`
	RefKind        string         `json:"ref_kind"`
	Channel        string         `json:"channel"`
	GatewayTransID string         `json:"gateway_transaction_id"`
	Outcome        domain.Outcome `json:"outcome"`
	Detail         string         `json:"detail,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ApplyPaymentEvent applies one payment event under the reference's exclusive
// lease and returns the reconciliation outcome.
func (r *Reconciler) ApplyPaymentEvent(ctx context.Context, event domain.PaymentEvent) (domain.Outcome, error) {
	release, err := r.leases.Acquire(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, ErrLeaseBusy) {
			r.audit(ctx, event, domain.OutcomeBusy, "lease wait exceeded")
			return domain.OutcomeBusy, nil
		}
		return "", fmt.Errorf("acquire lease for %s: %w", event.Reference, err)
	}
	defer release()

	switch event.RefKind {
	case domain.RefKindInvoice:
		return r.applyToInvoice(ctx, event)
	default:
		return r.applyToOrder(ctx, event)
	}
}

func (r *Reconciler) applyToOrder(ctx context.Context, event domain.PaymentEvent) (domain.Outcome, error) {
	order, err := r.repo.FindOrderByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			r.audit(ctx, event, domain.OutcomeRecorded, "rejected: unknown order reference")
		}
		return "", err
	}

	settled, err := r.repo.FindSettledAttemptByOrder(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrAttemptNotFound) {
		return "", fmt.Errorf("lookup settled attempt for %s: %w", event.Reference, err)
	}

	if settled != nil {
		return r.reconcileAgainstSettled(ctx, event, settled, func(detail string) error {
			return r.repo.FlagOrderConflict(ctx, order.ID, detail)
		})
	}

	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		OrderID:        &order.ID,
		GatewayTransID: optionalString(event.GatewayTransID),
		Result:         event.Result,
		Channel:        event.Channel,
		RawPayload:     event.RawPayload,
	}
	if err := r.repo.RecordPaymentAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("record attempt for %s: %w", event.Reference, err)
	}

	switch event.Result {
	case domain.AttemptResultSuccess:
		err := r.repo.SettleOrderAtomic(ctx, store.SettleOrderParams{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			AttemptID:  attempt.ID,
			Amount:     order.Amount,
			CouponID:   order.CouponID,
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				// The order is cancelled (the only state outside the paid
				// edges). Keep the attempt for audit and fail closed.
				r.audit(ctx, event, domain.OutcomeRecorded, "success for non-payable order state "+order.Status)
				return domain.OutcomeRecorded, nil
			}
			return "", fmt.Errorf("settle order %s: %w", event.Reference, err)
		}
		r.publishFulfillment(ctx, order, attempt.ID, event.GatewayTransID)
		r.audit(ctx, event, domain.OutcomeApplied, "order paid")
		return domain.OutcomeApplied, nil

	case domain.AttemptResultFailed:
		err := r.repo.TransitionOrderStatus(ctx, order.ID,
			[]string{domain.OrderStatusAwaitingPayment}, domain.OrderStatusPaymentFailed)
		if err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				// A failure never overrides an earlier success or cancellation.
				r.audit(ctx, event, domain.OutcomeRecorded, "failure ignored for order state "+order.Status)
				return domain.OutcomeRecorded, nil
			}
			return "", fmt.Errorf("fail order %s: %w", event.Reference, err)
		}
		r.audit(ctx, event, domain.OutcomeApplied, "order payment failed")
		return domain.OutcomeApplied, nil

	default:
		r.audit(ctx, event, domain.OutcomeRecorded, "pending attempt recorded")
		return domain.OutcomeRecorded, nil
	}
}

func (r *Reconciler) applyToInvoice(ctx context.Context, event domain.PaymentEvent) (domain.Outcome, error) {
	invoice, err := r.repo.FindInvoiceByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			r.audit(ctx, event, domain.OutcomeRecorded, "rejected: unknown invoice reference")
		}
		return "", err
	}

	settled, err := r.repo.FindSettledAttemptByInvoice(ctx, invoice.ID)
	if err != nil && !errors.Is(err, store.ErrAttemptNotFound) {
		return "", fmt.Errorf("lookup settled attempt for %s: %w", event.Reference, err)
	}

	if settled != nil {
		return r.reconcileAgainstSettled(ctx, event, settled, func(detail string) error {
			log.Printf("level=error component=reconciler ref=%s msg=\"conflicting settlement on invoice; manual review required\" detail=%q", event.Reference, detail)
			return nil
		})
	}

	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		InvoiceID:      &invoice.ID,
		GatewayTransID: optionalString(event.GatewayTransID),
		Result:         event.Result,
		Channel:        event.Channel,
		RawPayload:     event.RawPayload,
	}
	if err := r.repo.RecordPaymentAttempt(ctx, attempt); err != nil {
		return "", fmt.Errorf("record attempt for %s: %w", event.Reference, err)
	}

	switch event.Result {
	case domain.AttemptResultSuccess:
		err := r.repo.SettleInvoiceAtomic(ctx, store.SettleInvoiceParams{
			InvoiceID:      invoice.ID,
			SubscriptionID: invoice.SubscriptionID,
			AttemptID:      attempt.ID,
			NewPeriodEnd:   invoice.PeriodEnd,
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				r.audit(ctx, event, domain.OutcomeRecorded, "success for non-open invoice state "+invoice.Status)
				return domain.OutcomeRecorded, nil
			}
			return "", fmt.Errorf("settle invoice %s: %w", event.Reference, err)
		}
		r.publishEvent(ctx, "billing.invoice.paid", invoice, event.GatewayTransID)
		r.audit(ctx, event, domain.OutcomeApplied, "invoice paid")
		return domain.OutcomeApplied, nil

	case domain.AttemptResultFailed:
		// The billing scheduler owns retry counters and lifecycle
		// transitions; the failure itself is only recorded here.
		r.publishEvent(ctx, "billing.invoice.failed", invoice, event.GatewayTransID)
		r.audit(ctx, event, domain.OutcomeRecorded, "invoice collection failed")
		return domain.OutcomeRecorded, nil

	default:
		r.audit(ctx, event, domain.OutcomeRecorded, "pending attempt recorded")
		return domain.OutcomeRecorded, nil
	}
}

// reconcileAgainstSettled handles every event arriving after a reference has
// already settled: duplicate deliveries of the settling transaction are
// acknowledged as no-ops, a second distinct success is a conflicting
// settlement that is flagged but never applied, and late failures are ignored.
func (r *Reconciler) reconcileAgainstSettled(ctx context.Context, event domain.PaymentEvent, settled *domain.PaymentAttempt, flagConflict func(string) error) (domain.Outcome, error) {
	settledTransID := ""
	if settled.GatewayTransID != nil {
		settledTransID = *settled.GatewayTransID
	}

	if event.GatewayTransID != "" && event.GatewayTransID == settledTransID {
		r.audit(ctx, event, domain.OutcomeAlreadyApplied, "duplicate delivery of settling transaction")
		return domain.OutcomeAlreadyApplied, nil
	}

	if event.Result == domain.AttemptResultSuccess {
		// A conflicting transaction already recorded and flagged is a
		// duplicate delivery; it must not grow the attempt log or the flag
		// detail on every redelivery.
		if event.GatewayTransID != "" {
			prior, err := r.repo.FindSuccessfulAttemptByTransID(ctx, event.GatewayTransID)
			if err != nil && !errors.Is(err, store.ErrAttemptNotFound) {
				return "", fmt.Errorf("lookup attempt by transaction id for %s: %w", event.Reference, err)
			}
			if prior != nil {
				r.audit(ctx, event, domain.OutcomeAlreadyApplied, "duplicate delivery of recorded conflicting transaction")
				return domain.OutcomeAlreadyApplied, nil
			}
		}

		detail := fmt.Sprintf("conflicting settlement: settled by %s, %s reported %s", settledTransID, event.Channel, event.GatewayTransID)
		attempt := &domain.PaymentAttempt{
			ID:             uuid.New(),
			OrderID:        settled.OrderID,
			InvoiceID:      settled.InvoiceID,
			GatewayTransID: optionalString(event.GatewayTransID),
			Result:         domain.AttemptResultSuccess,
			Channel:        event.Channel,
			RawPayload:     event.RawPayload,
		}
		if err := r.repo.RecordPaymentAttempt(ctx, attempt); err != nil {
			return "", fmt.Errorf("record conflicting attempt for %s: %w", event.Reference, err)
		}
		if err := flagConflict(detail); err != nil {
			return "", fmt.Errorf("flag conflict for %s: %w", event.Reference, err)
		}
		r.audit(ctx, event, domain.OutcomeConflict, detail)
		return domain.OutcomeConflict, nil
	}

	r.audit(ctx, event, domain.OutcomeAlreadyApplied, "late "+event.Result+" after settlement ignored")
	return domain.OutcomeAlreadyApplied, nil
}

func (r *Reconciler) publishFulfillment(ctx context.Context, order *domain.Order, attemptID uuid.UUID, gatewayTransID string) {
	if r.publisher == nil {
		return
	}
	payload := FulfillmentEvent{
		OrderID:        order.ID,
		OrderReference: order.Reference,
		CustomerID:     order.CustomerID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		AttemptID:      attemptID,
		GatewayTransID: gatewayTransID,
		Timestamp:      time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.eventExchange, "order.paid", payload); err != nil {
		log.Printf("level=warn component=reconciler msg=\"fulfillment publish failed\" order_ref=%s err=%v", order.Reference, err)
	}
}

func (r *Reconciler) publishEvent(ctx context.Context, routingKey string, invoice *domain.Invoice, gatewayTransID string) {
	if r.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"invoice_id":             invoice.ID,
		"invoice_reference":      invoice.Reference,
		"subscription_id":        invoice.SubscriptionID,
		"customer_id":            invoice.CustomerID,
		"amount":                 invoice.Amount,
		"currency":               invoice.Currency,
		"gateway_transaction_id": gatewayTransID,
		"timestamp":              time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.eventExchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=reconciler msg=\"event publish failed\" routing_key=%s invoice_ref=%s err=%v", routingKey, invoice.Reference, err)
	}
}

func (r *Reconciler) audit(ctx context.Context, event domain.PaymentEvent, outcome domain.Outcome, detail string) {
	log.Printf("level=info component=reconciler ref=%s ref_kind=%s channel=%s gateway_trans_id=%s outcome=%s detail=%q",
		event.Reference, event.RefKind, event.Channel, event.GatewayTransID, outcome, detail)

	if r.publisher == nil {
		return
	}
	record := AuditRecord{
		Reference:      event.Reference,
		RefKind:        event.RefKind,
		Channel:        event.Channel,
		GatewayTransID: event.GatewayTransID,
		Outcome:        outcome,
		Detail:         detail,
		Timestamp:      time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.auditExchange, "reconcile."+string(outcome), record); err != nil {
		log.Printf("level=warn component=reconciler msg=\"audit publish failed\" ref=%s err=%v", event.Reference, err)
	}
}

// NormalizeResult maps the gateway's status vocabulary onto the engine's
// attempt results. Adapters call this once at the boundary.
func NormalizeResult(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "successful", "success", "completed":
		return domain.AttemptResultSuccess
	case "failed", "failure", "rejected", "cancelled":
		return domain.AttemptResultFailed
	case "pending", "processing", "initiated":
		return domain.AttemptResultPending
	default:
		return domain.AttemptResultUnknown
	}
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
