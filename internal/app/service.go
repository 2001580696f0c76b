/**
 * @description
 * This file contains the order-facing application service: checkout (create an
 * order and initiate gateway collection), the client-triggered status probe,
 * and explicit cancellation. Gateway calls are always issued without holding
 * the order's lease; only the ledger transition runs under it.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Entity identifiers.
 * - internal/domain, internal/store, pkg/gatewayclient: Internal packages.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
	"github.com/paysoko/billing-service/pkg/gatewayclient"
)

// GatewayClient defines the gateway operations the engine needs.
type GatewayClient interface {
	RequestCollection(ctx context.Context, req gatewayclient.CollectionRequest) (*gatewayclient.CollectionResponse, error)
	GetTransactionStatus(ctx context.Context, reference string) (*gatewayclient.StatusResponse, error)
}

// ErrOrderNotCancellable is returned when cancellation is requested for an
// order outside the cancellable states.
var ErrOrderNotCancellable = errors.New("order cannot be cancelled in its current state")

// Service provides the order-facing business logic.
type Service struct {
	repo       store.Repository
	gateway    GatewayClient
	reconciler *Reconciler
	leases     Locker
}

// NewService creates a new order service.
func NewService(repo store.Repository, gateway GatewayClient, reconciler *Reconciler, leases Locker) *Service {
	return &Service{
		repo:       repo,
		gateway:    gateway,
		reconciler: reconciler,
		leases:     leases,
	}
}

// CheckoutParams carries a checkout request. Reference is the client-chosen
// idempotency key.
type CheckoutParams struct {
	Reference     string
	CustomerID    uuid.UUID
	Amount        int64
	Currency      string
	InstrumentRef string
	CouponID      *uuid.UUID
}

// Checkout creates the order (or returns the existing one for the same
// reference) and initiates collection with the gateway. The order enters
// awaiting_payment once the gateway acknowledges the collection request.
func (s *Service) Checkout(ctx context.Context, params CheckoutParams) (*domain.Order, error) {
	order, err := s.repo.CreateOrder(ctx, &domain.Order{
		ID:         uuid.New(),
		Reference:  params.Reference,
		CustomerID: params.CustomerID,
		Amount:     params.Amount,
		Currency:   params.Currency,
		Status:     domain.OrderStatusCreated,
		CouponID:   params.CouponID,
	})
	if err != nil {
		return nil, fmt.Errorf("create order %s: %w", params.Reference, err)
	}

	// Re-submitted reference: the collection was already initiated (or the
	// order is already settled); nothing to do.
	if order.Status != domain.OrderStatusCreated {
		return order, nil
	}

	// Gateway call outside any lease.
	resp, err := s.gateway.RequestCollection(ctx, gatewayclient.CollectionRequest{
		Reference:     order.Reference,
		InstrumentRef: params.InstrumentRef,
		Amount:        order.Amount,
		Currency:      order.Currency,
		Narration:     "Order " + order.Reference,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=checkout msg=\"collection initiation failed\" order_ref=%s err=%v", order.Reference, err)
		return nil, fmt.Errorf("initiate collection for %s: %w", order.Reference, err)
	}

	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		OrderID:        &order.ID,
		GatewayTransID: optionalString(resp.Data.TransactionID),
		Result:         domain.AttemptResultPending,
		Channel:        domain.ChannelCheckout,
	}
	if raw, marshalErr := json.Marshal(resp); marshalErr == nil {
		attempt.RawPayload = raw
	}
	if err := s.repo.RecordPaymentAttempt(ctx, attempt); err != nil {
		log.Printf("level=warn component=service flow=checkout msg=\"initiation attempt record failed\" order_ref=%s err=%v", order.Reference, err)
	}

	if err := s.repo.TransitionOrderStatus(ctx, order.ID,
		[]string{domain.OrderStatusCreated}, domain.OrderStatusAwaitingPayment); err != nil && !errors.Is(err, store.ErrStaleTransition) {
		return nil, fmt.Errorf("mark order %s awaiting payment: %w", order.Reference, err)
	}

	return s.repo.FindOrderByReference(ctx, order.Reference)
}

// ProbeOrder performs the synchronous reconciliation probe a waiting client
// triggers: query the gateway for the order's collection status, apply the
// result through the reconciliation core, and return the refreshed order.
// Safe to call repeatedly.
func (s *Service) ProbeOrder(ctx context.Context, reference string) (*domain.Order, domain.Outcome, error) {
	order, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		return nil, "", err
	}

	// Terminal orders need no gateway round-trip.
	if domain.IsTerminalOrderStatus(order.Status) {
		return order, domain.OutcomeAlreadyApplied, nil
	}

	// Gateway call outside the lease; a slow gateway never blocks other
	// mutators of this order longer than the ledger transition itself.
	status, err := s.gateway.GetTransactionStatus(ctx, reference)
	if err != nil {
		var gatewayErr *gatewayclient.ErrorResponse
		if errors.As(err, &gatewayErr) && gatewayErr.IsExplicitRejection() {
			outcome, applyErr := s.reconciler.ApplyPaymentEvent(ctx, domain.PaymentEvent{
				RefKind:    domain.RefKindOrder,
				Reference:  reference,
				Result:     domain.AttemptResultFailed,
				Channel:    domain.ChannelProbe,
				OccurredAt: time.Now().UTC(),
			})
			if applyErr != nil {
				return nil, "", applyErr
			}
			refreshed, findErr := s.repo.FindOrderByReference(ctx, reference)
			return refreshed, outcome, findErr
		}
		// Ambiguous gateway failure: transient, surfaced as no change.
		log.Printf("level=warn component=service flow=probe msg=\"gateway status query failed\" order_ref=%s err=%v", reference, err)
		return order, domain.OutcomeRecorded, nil
	}

	event := domain.PaymentEvent{
		RefKind:        domain.RefKindOrder,
		Reference:      reference,
		GatewayTransID: status.Data.TransactionID,
		Result:         NormalizeResult(status.Data.Status),
		Channel:        domain.ChannelProbe,
		OccurredAt:     time.Now().UTC(),
	}
	if raw, marshalErr := json.Marshal(status); marshalErr == nil {
		event.RawPayload = raw
	}

	outcome, err := s.reconciler.ApplyPaymentEvent(ctx, event)
	if err != nil {
		return nil, "", err
	}

	refreshed, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		return nil, "", err
	}
	return refreshed, outcome, nil
}

// GetOrder returns the current order state.
func (s *Service) GetOrder(ctx context.Context, reference string) (*domain.Order, error) {
	return s.repo.FindOrderByReference(ctx, reference)
}

// CancelOrder cancels an order still awaiting payment; cancelled is reachable
// from awaiting_payment only. Cancellation is a ledger mutation and therefore
// runs under the order's lease like any other.
func (s *Service) CancelOrder(ctx context.Context, reference string) (*domain.Order, error) {
	order, err := s.repo.FindOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	release, err := s.leases.Acquire(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer release()

	err = s.repo.TransitionOrderStatus(ctx, order.ID,
		[]string{domain.OrderStatusAwaitingPayment}, domain.OrderStatusCancelled)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return nil, ErrOrderNotCancellable
		}
		return nil, fmt.Errorf("cancel order %s: %w", reference, err)
	}

	log.Printf("level=info component=service flow=cancel msg=\"order cancelled\" order_ref=%s", reference)
	return s.repo.FindOrderByReference(ctx, reference)
}
