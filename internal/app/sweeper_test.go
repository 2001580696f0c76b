package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
	"github.com/paysoko/billing-service/pkg/gatewayclient"
)

type sweeperRepoStub struct {
	store.Repository

	orders   map[string]*domain.Order
	settled  map[string]*domain.PaymentAttempt
	attempts []*domain.PaymentAttempt
	credits  int
}

func newSweeperRepoStub(orders ...*domain.Order) *sweeperRepoStub {
	stub := &sweeperRepoStub{
		orders:  make(map[string]*domain.Order),
		settled: make(map[string]*domain.PaymentAttempt),
	}
	for _, order := range orders {
		stub.orders[order.Reference] = order
	}
	return stub
}

func (s *sweeperRepoStub) ListStaleAwaitingOrders(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	var stale []domain.Order
	for _, order := range s.orders {
		if order.Status == domain.OrderStatusAwaitingPayment && order.CreatedAt.Before(olderThan) {
			stale = append(stale, *order)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (s *sweeperRepoStub) FindOrderByReference(ctx context.Context, reference string) (*domain.Order, error) {
	order, ok := s.orders[reference]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func (s *sweeperRepoStub) FindSettledAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentAttempt, error) {
	for _, order := range s.orders {
		if order.ID == orderID {
			if settled, ok := s.settled[order.Reference]; ok {
				return settled, nil
			}
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (s *sweeperRepoStub) RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *sweeperRepoStub) SettleOrderAtomic(ctx context.Context, params store.SettleOrderParams) error {
	for _, order := range s.orders {
		if order.ID != params.OrderID {
			continue
		}
		if order.Status != domain.OrderStatusAwaitingPayment && order.Status != domain.OrderStatusPaymentFailed {
			return store.ErrStaleTransition
		}
		order.Status = domain.OrderStatusPaid
		for _, attempt := range s.attempts {
			if attempt.ID == params.AttemptID {
				attempt.Settling = true
				s.settled[order.Reference] = attempt
			}
		}
		s.credits++
		return nil
	}
	return store.ErrOrderNotFound
}

func (s *sweeperRepoStub) TransitionOrderStatus(ctx context.Context, orderID uuid.UUID, fromStatuses []string, toStatus string) error {
	for _, order := range s.orders {
		if order.ID != orderID {
			continue
		}
		for _, from := range fromStatuses {
			if order.Status == from {
				order.Status = toStatus
				return nil
			}
		}
		return store.ErrStaleTransition
	}
	return store.ErrOrderNotFound
}

func (s *sweeperRepoStub) FlagOrderConflict(ctx context.Context, orderID uuid.UUID, detail string) error {
	return nil
}

// sweeperGatewayStub maps references to canned status responses or errors.
type sweeperGatewayStub struct {
	statuses map[string]string
	errs     map[string]error
	calls    int
}

func (g *sweeperGatewayStub) RequestCollection(ctx context.Context, req gatewayclient.CollectionRequest) (*gatewayclient.CollectionResponse, error) {
	return nil, &gatewayclient.ErrorResponse{StatusCode: 400}
}

func (g *sweeperGatewayStub) GetTransactionStatus(ctx context.Context, reference string) (*gatewayclient.StatusResponse, error) {
	g.calls++
	if err, ok := g.errs[reference]; ok {
		return nil, err
	}
	resp := &gatewayclient.StatusResponse{}
	resp.Data.TransactionID = "TX-" + reference
	resp.Data.Reference = reference
	resp.Data.Status = g.statuses[reference]
	return resp, nil
}

func staleOrder(reference string, age time.Duration) *domain.Order {
	return &domain.Order{
		ID:         uuid.New(),
		Reference:  reference,
		CustomerID: uuid.New(),
		Amount:     100000,
		Currency:   "NGN",
		Status:     domain.OrderStatusAwaitingPayment,
		CreatedAt:  time.Now().UTC().Add(-age),
	}
}

func newTestSweeper(repo *sweeperRepoStub, gateway *sweeperGatewayStub, maxAge time.Duration) *Sweeper {
	reconciler := NewReconciler(repo, NewLeaseRegistry(200*time.Millisecond), nil, "audit", "events")
	return NewSweeper(repo, gateway, reconciler, SweeperConfig{
		MinAge:      5 * time.Minute,
		MaxAge:      maxAge,
		BatchLimit:  50,
		ItemTimeout: time.Second,
	})
}

func TestSweep_AppliesGatewayResults(t *testing.T) {
	paid := staleOrder("ORD-PAID", time.Hour)
	failed := staleOrder("ORD-FAILED", time.Hour)
	repo := newSweeperRepoStub(paid, failed)
	gateway := &sweeperGatewayStub{statuses: map[string]string{
		"ORD-PAID":   "successful",
		"ORD-FAILED": "failed",
	}}
	sweeper := newTestSweeper(repo, gateway, 24*time.Hour)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("expected two applied results, got %+v", result)
	}
	if paid.Status != domain.OrderStatusPaid {
		t.Fatalf("expected ORD-PAID paid, got %s", paid.Status)
	}
	if failed.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected ORD-FAILED payment_failed, got %s", failed.Status)
	}
	if repo.credits != 1 {
		t.Fatalf("expected one wallet credit, got %d", repo.credits)
	}
}

func TestSweep_ExpiresOrdersPastMaxAge(t *testing.T) {
	expired := staleOrder("ORD-OLD", 48*time.Hour)
	repo := newSweeperRepoStub(expired)
	gateway := &sweeperGatewayStub{}
	sweeper := newTestSweeper(repo, gateway, 24*time.Hour)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", result)
	}
	if expired.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected expired order payment_failed, got %s", expired.Status)
	}
	if gateway.calls != 0 {
		t.Fatalf("expiry must not query the gateway, got %d calls", gateway.calls)
	}
}

func TestSweep_AmbiguousErrorIsolatedFromBatch(t *testing.T) {
	broken := staleOrder("ORD-BROKEN", time.Hour)
	healthy := staleOrder("ORD-OK", time.Hour)
	repo := newSweeperRepoStub(broken, healthy)
	gateway := &sweeperGatewayStub{
		statuses: map[string]string{"ORD-OK": "successful"},
		errs:     map[string]error{"ORD-BROKEN": &gatewayclient.ErrorResponse{StatusCode: 503}},
	}
	sweeper := newTestSweeper(repo, gateway, 24*time.Hour)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if result.Deferred != 1 {
		t.Fatalf("expected broken order deferred, got %+v", result)
	}
	if result.Applied != 1 {
		t.Fatalf("expected healthy order still applied, got %+v", result)
	}
	if healthy.Status != domain.OrderStatusPaid {
		t.Fatalf("expected ORD-OK paid, got %s", healthy.Status)
	}
	if broken.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("ambiguous error must not change ORD-BROKEN, got %s", broken.Status)
	}
}

func TestSweep_ExplicitRejectionFailsOrder(t *testing.T) {
	rejected := staleOrder("ORD-REJ", time.Hour)
	repo := newSweeperRepoStub(rejected)
	gateway := &sweeperGatewayStub{
		errs: map[string]error{"ORD-REJ": &gatewayclient.ErrorResponse{StatusCode: 404}},
	}
	sweeper := newTestSweeper(repo, gateway, 24*time.Hour)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if result.Applied != 1 {
		t.Fatalf("expected rejection applied as failure, got %+v", result)
	}
	if rejected.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected ORD-REJ payment_failed, got %s", rejected.Status)
	}
}

func TestSweep_PendingStatusRecordedWithoutTransition(t *testing.T) {
	pending := staleOrder("ORD-PEND", time.Hour)
	repo := newSweeperRepoStub(pending)
	gateway := &sweeperGatewayStub{statuses: map[string]string{"ORD-PEND": "pending"}}
	sweeper := newTestSweeper(repo, gateway, 24*time.Hour)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if result.Duplicates != 1 {
		t.Fatalf("expected pending counted as no-op, got %+v", result)
	}
	if pending.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("pending must not transition the order, got %s", pending.Status)
	}
}
