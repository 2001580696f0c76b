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

type billingRepoStub struct {
	store.Repository

	subs    []domain.Subscription
	invoice *domain.Invoice
	settled *domain.PaymentAttempt

	createCalls   int
	attempts      []*domain.PaymentAttempt
	bumpCalls     int
	nextRetryAt   time.Time
	subStatuses   []string
	uncollectible bool
	subPeriodEnd  time.Time
}

func (s *billingRepoStub) ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]domain.Subscription, error) {
	return s.subs, nil
}

func (s *billingRepoStub) CreateRenewalInvoice(ctx context.Context, sub *domain.Subscription, periodStart, periodEnd, dueAt time.Time) (*domain.Invoice, error) {
	s.createCalls++
	if s.invoice == nil {
		s.invoice = &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			CustomerID:     sub.CustomerID,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			Status:         domain.InvoiceStatusOpen,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			DueAt:          dueAt,
		}
	}
	return s.invoice, nil
}

func (s *billingRepoStub) FindInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error) {
	if s.invoice == nil || s.invoice.Reference != reference {
		return nil, store.ErrInvoiceNotFound
	}
	return s.invoice, nil
}

func (s *billingRepoStub) FindSettledAttemptByInvoice(ctx context.Context, invoiceID uuid.UUID) (*domain.PaymentAttempt, error) {
	if s.settled == nil {
		return nil, store.ErrAttemptNotFound
	}
	return s.settled, nil
}

func (s *billingRepoStub) RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *billingRepoStub) SettleInvoiceAtomic(ctx context.Context, params store.SettleInvoiceParams) error {
	if s.invoice.Status != domain.InvoiceStatusOpen {
		return store.ErrStaleTransition
	}
	s.invoice.Status = domain.InvoiceStatusPaid
	for _, attempt := range s.attempts {
		if attempt.ID == params.AttemptID {
			attempt.Settling = true
			s.settled = attempt
		}
	}
	s.subStatuses = append(s.subStatuses, domain.SubscriptionStatusActive)
	s.subPeriodEnd = params.NewPeriodEnd
	return nil
}

func (s *billingRepoStub) BumpInvoiceRetry(ctx context.Context, invoiceID uuid.UUID, nextRetryAt time.Time) (int, error) {
	s.bumpCalls++
	s.invoice.AttemptCount++
	s.invoice.NextRetryAt = &nextRetryAt
	s.nextRetryAt = nextRetryAt
	return s.invoice.AttemptCount, nil
}

func (s *billingRepoStub) MarkInvoiceUncollectible(ctx context.Context, invoiceID uuid.UUID) error {
	s.uncollectible = true
	s.invoice.Status = domain.InvoiceStatusUncollectible
	return nil
}

func (s *billingRepoStub) UpdateSubscriptionStatus(ctx context.Context, subscriptionID uuid.UUID, status string) error {
	s.subStatuses = append(s.subStatuses, status)
	return nil
}

type billingGatewayStub struct {
	collectStatus string
	collectErr    error
	collectCalls  int
	lastRequest   gatewayclient.CollectionRequest

	// started is closed on the first collection call and block holds the call
	// open, letting a test overlap a second cycle with an in-flight one.
	started chan struct{}
	block   chan struct{}
}

func (g *billingGatewayStub) RequestCollection(ctx context.Context, req gatewayclient.CollectionRequest) (*gatewayclient.CollectionResponse, error) {
	g.collectCalls++
	g.lastRequest = req
	if g.started != nil {
		close(g.started)
		g.started = nil
	}
	if g.block != nil {
		<-g.block
	}
	if g.collectErr != nil {
		return nil, g.collectErr
	}
	resp := &gatewayclient.CollectionResponse{}
	resp.Data.TransactionID = "TX-BILL"
	resp.Data.Reference = req.Reference
	resp.Data.Status = g.collectStatus
	return resp, nil
}

func (g *billingGatewayStub) GetTransactionStatus(ctx context.Context, reference string) (*gatewayclient.StatusResponse, error) {
	return nil, &gatewayclient.ErrorResponse{StatusCode: 404}
}

func newDueSubscription() domain.Subscription {
	return domain.Subscription{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		Status:           domain.SubscriptionStatusActive,
		Amount:           500000,
		Currency:         "NGN",
		BillingCycleDays: 30,
		CurrentPeriodEnd: time.Now().UTC().Add(-time.Hour),
		InstrumentRef:    "instr_123",
	}
}

func newBillingFixture(repo *billingRepoStub, gateway *billingGatewayStub, cfg BillingConfig) *BillingService {
	reconciler := NewReconciler(repo, NewLeaseRegistry(200*time.Millisecond), nil, "audit", "events")
	return NewBillingService(repo, gateway, reconciler, nil, "events", cfg)
}

func TestRunBillingCycle_SuccessfulCollectionAdvancesSubscription(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{collectStatus: "successful"}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Collected != 1 {
		t.Fatalf("expected one collection, got %+v", result)
	}
	if repo.invoice.Status != domain.InvoiceStatusPaid {
		t.Fatalf("expected invoice paid, got %s", repo.invoice.Status)
	}
	if gateway.lastRequest.InstrumentRef != "instr_123" {
		t.Fatalf("expected stored instrument used, got %q", gateway.lastRequest.InstrumentRef)
	}
	expectedEnd := sub.CurrentPeriodEnd.AddDate(0, 0, sub.BillingCycleDays)
	if !repo.subPeriodEnd.Equal(expectedEnd) {
		t.Fatalf("expected period end %v, got %v", expectedEnd, repo.subPeriodEnd)
	}
}

func TestRunBillingCycle_PaidInvoiceNotRecollected(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{
		subs: []domain.Subscription{sub},
		invoice: &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			Status:         domain.InvoiceStatusPaid,
		},
	}
	gateway := &billingGatewayStub{collectStatus: "successful"}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if gateway.collectCalls != 0 {
		t.Fatalf("paid invoice must not trigger a new charge, got %d calls", gateway.collectCalls)
	}
	if result.Collected != 0 || result.Errors != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunBillingCycle_BackoffWindowSkipsCollection(t *testing.T) {
	sub := newDueSubscription()
	nextRetry := time.Now().UTC().Add(time.Hour)
	repo := &billingRepoStub{
		subs: []domain.Subscription{sub},
		invoice: &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			Status:         domain.InvoiceStatusOpen,
			AttemptCount:   1,
			NextRetryAt:    &nextRetry,
		},
	}
	gateway := &billingGatewayStub{collectStatus: "successful"}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	if _, err := billing.RunBillingCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if gateway.collectCalls != 0 {
		t.Fatalf("expected collection skipped inside backoff window, got %d calls", gateway.collectCalls)
	}
}

func TestRunBillingCycle_FailureSchedulesBackedOffRetry(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{collectStatus: "failed"}
	billing := newBillingFixture(repo, gateway, BillingConfig{
		RetryLimit:   3,
		SuspendAfter: 4,
		RetryBase:    30 * time.Minute,
	})

	asOf := time.Now().UTC()
	result, err := billing.RunBillingCycle(context.Background(), asOf)
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("expected one retried subscription, got %+v", result)
	}
	if repo.bumpCalls != 1 {
		t.Fatalf("expected one retry bump, got %d", repo.bumpCalls)
	}
	if !repo.nextRetryAt.Equal(asOf.Add(30 * time.Minute)) {
		t.Fatalf("expected first retry after base delay, got %v", repo.nextRetryAt)
	}
	if len(repo.subStatuses) != 0 {
		t.Fatalf("one failure must not change subscription status, got %v", repo.subStatuses)
	}
	if len(repo.attempts) != 1 {
		t.Fatalf("expected exactly one attempt recorded per failure, got %d", len(repo.attempts))
	}
}

func TestRunBillingCycle_RetryLimitMarksPastDue(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{
		subs: []domain.Subscription{sub},
		invoice: &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			CustomerID:     sub.CustomerID,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			Status:         domain.InvoiceStatusOpen,
			AttemptCount:   2,
		},
	}
	gateway := &billingGatewayStub{collectStatus: "failed"}
	billing := newBillingFixture(repo, gateway, BillingConfig{
		RetryLimit:   3,
		SuspendAfter: 4,
		RetryBase:    30 * time.Minute,
	})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.PastDue != 1 {
		t.Fatalf("expected one past_due subscription, got %+v", result)
	}
	if len(repo.subStatuses) != 1 || repo.subStatuses[0] != domain.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due transition, got %v", repo.subStatuses)
	}
	if repo.uncollectible {
		t.Fatal("past_due must not write off the invoice")
	}
}

func TestRunBillingCycle_SuspensionThresholdSuspendsAndWritesOff(t *testing.T) {
	sub := newDueSubscription()
	sub.Status = domain.SubscriptionStatusPastDue
	repo := &billingRepoStub{
		subs: []domain.Subscription{sub},
		invoice: &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			CustomerID:     sub.CustomerID,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			Status:         domain.InvoiceStatusOpen,
			AttemptCount:   3,
		},
	}
	gateway := &billingGatewayStub{collectStatus: "failed"}
	billing := newBillingFixture(repo, gateway, BillingConfig{
		RetryLimit:   3,
		SuspendAfter: 4,
		RetryBase:    30 * time.Minute,
	})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Suspended != 1 {
		t.Fatalf("expected one suspension, got %+v", result)
	}
	if len(repo.subStatuses) != 1 || repo.subStatuses[0] != domain.SubscriptionStatusSuspended {
		t.Fatalf("expected suspension transition, got %v", repo.subStatuses)
	}
	if !repo.uncollectible {
		t.Fatal("expected invoice written off as uncollectible")
	}
}

func TestRunBillingCycle_SuccessOnRetryReactivatesPastDue(t *testing.T) {
	sub := newDueSubscription()
	sub.Status = domain.SubscriptionStatusPastDue
	repo := &billingRepoStub{
		subs: []domain.Subscription{sub},
		invoice: &domain.Invoice{
			ID:             uuid.New(),
			Reference:      "INV-" + sub.ID.String(),
			SubscriptionID: &sub.ID,
			CustomerID:     sub.CustomerID,
			Amount:         sub.Amount,
			Currency:       sub.Currency,
			Status:         domain.InvoiceStatusOpen,
			AttemptCount:   3,
			PeriodEnd:      sub.CurrentPeriodEnd.AddDate(0, 0, 30),
		},
	}
	gateway := &billingGatewayStub{collectStatus: "successful"}
	billing := newBillingFixture(repo, gateway, BillingConfig{
		RetryLimit:   3,
		SuspendAfter: 4,
		RetryBase:    30 * time.Minute,
	})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Collected != 1 {
		t.Fatalf("expected collection on retry, got %+v", result)
	}
	if len(repo.subStatuses) == 0 || repo.subStatuses[len(repo.subStatuses)-1] != domain.SubscriptionStatusActive {
		t.Fatalf("expected reactivation after settled retry, got %v", repo.subStatuses)
	}
}

func TestRunBillingCycle_AmbiguousGatewayErrorDefersInvoice(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{collectErr: &gatewayclient.ErrorResponse{StatusCode: 503}}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Deferred != 1 {
		t.Fatalf("expected ambiguous failure deferred, got %+v", result)
	}
	if repo.bumpCalls != 0 {
		t.Fatal("ambiguous failure must not consume a retry")
	}
	if len(repo.subStatuses) != 0 {
		t.Fatalf("ambiguous failure must not change subscription status, got %v", repo.subStatuses)
	}
}

func TestRunBillingCycle_ExplicitRejectionConsumesRetry(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{collectErr: &gatewayclient.ErrorResponse{StatusCode: 422}}
	billing := newBillingFixture(repo, gateway, BillingConfig{
		RetryLimit:   3,
		SuspendAfter: 4,
		RetryBase:    30 * time.Minute,
	})

	result, err := billing.RunBillingCycle(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("expected explicit rejection to consume a retry, got %+v", result)
	}
	if repo.bumpCalls != 1 {
		t.Fatalf("expected one retry bump, got %d", repo.bumpCalls)
	}
}

func TestRunBillingCycle_SuspendedSubscriptionNotBilled(t *testing.T) {
	sub := newDueSubscription()
	sub.Status = domain.SubscriptionStatusSuspended
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{collectStatus: "successful"}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	if _, err := billing.RunBillingCycle(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("cycle returned error: %v", err)
	}
	if repo.createCalls != 0 || gateway.collectCalls != 0 {
		t.Fatalf("suspended subscription must be skipped, invoices=%d charges=%d", repo.createCalls, gateway.collectCalls)
	}
}

func TestRunBillingCycle_OverlappingTriggerSkipped(t *testing.T) {
	sub := newDueSubscription()
	repo := &billingRepoStub{subs: []domain.Subscription{sub}}
	gateway := &billingGatewayStub{
		collectStatus: "pending",
		started:       make(chan struct{}),
		block:         make(chan struct{}),
	}
	billing := newBillingFixture(repo, gateway, BillingConfig{})

	asOf := time.Now().UTC()
	type cycleOutcome struct {
		result *BillingCycleResult
		err    error
	}
	done := make(chan cycleOutcome, 1)
	started := gateway.started
	go func() {
		result, err := billing.RunBillingCycle(context.Background(), asOf)
		done <- cycleOutcome{result, err}
	}()

	// The overlapping trigger must return immediately while the first cycle
	// is still holding the gateway call open.
	<-started
	second, err := billing.RunBillingCycle(context.Background(), asOf)
	if err != nil {
		t.Fatalf("overlapping cycle returned error: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected overlapping trigger skipped, got %+v", second)
	}
	if repo.createCalls != 1 {
		t.Fatalf("overlapping trigger must not create invoices, got %d create calls", repo.createCalls)
	}

	close(gateway.block)
	first := <-done
	if first.err != nil {
		t.Fatalf("first cycle returned error: %v", first.err)
	}
	if first.result.Skipped {
		t.Fatal("first cycle must not be skipped")
	}

	// A later trigger for the same period reuses the still-open invoice
	// instead of generating a second one.
	invoiceID := repo.invoice.ID
	if _, err := billing.RunBillingCycle(context.Background(), asOf); err != nil {
		t.Fatalf("follow-up cycle returned error: %v", err)
	}
	if repo.createCalls != 2 {
		t.Fatalf("expected follow-up cycle to ask for the period invoice, got %d create calls", repo.createCalls)
	}
	if repo.invoice.ID != invoiceID {
		t.Fatal("expected one invoice per subscription period under overlapping cycles")
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	billing := NewBillingService(nil, nil, nil, nil, "events", BillingConfig{RetryBase: 30 * time.Minute})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Minute},
		{2, time.Hour},
		{3, 2 * time.Hour},
		{10, 24 * time.Hour}, // capped
	}
	for _, tt := range tests {
		if got := billing.backoff(tt.attempts); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
