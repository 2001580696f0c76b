/**
 * @description
 * This file implements the recurring billing cycle: for every subscription
 * whose period has ended, generate (or reuse) the renewal invoice, attempt
 * collection against the stored instrument, and walk the subscription through
 * the retry/backoff ladder: past_due once retries are exhausted, suspended
 * once the suspension threshold is crossed. Settlement of a successful
 * collection goes through the same reconciliation core as every other channel,
 * so a webhook that beats the synchronous response is a harmless duplicate.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
	"github.com/paysoko/billing-service/pkg/gatewayclient"
)

// BillingConfig tunes the retry ladder.
type BillingConfig struct {
	// RetryLimit is the failed-attempt count at which the subscription is
	// marked past_due.
	RetryLimit int
	// SuspendAfter is the failed-attempt count at which the subscription is
	// suspended and the invoice written off as uncollectible.
	SuspendAfter int
	// RetryBase is the first retry delay; subsequent delays double.
	RetryBase time.Duration
	// ItemTimeout bounds the gateway round-trip per subscription.
	ItemTimeout time.Duration
}

// BillingService drives subscription renewals.
type BillingService struct {
	repo       store.Repository
	gateway    GatewayClient
	reconciler *Reconciler
	publisher  EventPublisher
	exchange   string
	cfg        BillingConfig

	// cycleMu makes overlapping cycle triggers a no-op rather than a source
	// of duplicate collection attempts.
	cycleMu sync.Mutex
}

// NewBillingService creates the billing scheduler service.
func NewBillingService(repo store.Repository, gateway GatewayClient, reconciler *Reconciler, publisher EventPublisher, exchange string, cfg BillingConfig) *BillingService {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.SuspendAfter <= cfg.RetryLimit {
		cfg.SuspendAfter = cfg.RetryLimit + 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Minute
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 15 * time.Second
	}
	return &BillingService{
		repo:       repo,
		gateway:    gateway,
		reconciler: reconciler,
		publisher:  publisher,
		exchange:   exchange,
		cfg:        cfg,
	}
}

// BillingCycleResult summarizes one billing cycle.
type BillingCycleResult struct {
	Due       int  `json:"due"`
	Collected int  `json:"collected"`
	Retried   int  `json:"retried"`
	PastDue   int  `json:"past_due"`
	Suspended int  `json:"suspended"`
	Deferred  int  `json:"deferred"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped"`
}

// RunBillingCycle processes every subscription due as of asOf. Only one cycle
// runs at a time per process; an overlapping trigger returns immediately with
// Skipped set.
func (b *BillingService) RunBillingCycle(ctx context.Context, asOf time.Time) (*BillingCycleResult, error) {
	if !b.cycleMu.TryLock() {
		log.Printf("level=info component=billing msg=\"billing cycle already running; trigger skipped\"")
		return &BillingCycleResult{Skipped: true}, nil
	}
	defer b.cycleMu.Unlock()

	subs, err := b.repo.ListDueSubscriptions(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}

	result := &BillingCycleResult{Due: len(subs)}
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		b.billOne(ctx, &subs[i], asOf, result)
	}

	log.Printf("level=info component=billing msg=\"billing cycle finished\" due=%d collected=%d retried=%d past_due=%d suspended=%d deferred=%d errors=%d",
		result.Due, result.Collected, result.Retried, result.PastDue, result.Suspended, result.Deferred, result.Errors)
	return result, nil
}

// billOne renews a single subscription. Panics and errors are contained so one
// bad subscription never takes down the cycle.
func (b *BillingService) billOne(ctx context.Context, sub *domain.Subscription, asOf time.Time, result *BillingCycleResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result.Errors++
			log.Printf("level=error component=billing msg=\"panic while billing subscription\" subscription_id=%s panic=%v", sub.ID, rec)
		}
	}()

	if !sub.Billable() {
		return
	}

	periodStart := sub.CurrentPeriodEnd
	periodEnd := periodStart.AddDate(0, 0, sub.BillingCycleDays)

	invoice, err := b.repo.CreateRenewalInvoice(ctx, sub, periodStart, periodEnd, periodStart)
	if err != nil {
		result.Errors++
		log.Printf("level=error component=billing msg=\"renewal invoice creation failed\" subscription_id=%s err=%v", sub.ID, err)
		return
	}

	// An invoice already paid this period means a concurrent cycle or a late
	// webhook settled it; the subscription was advanced there.
	if invoice.Status != domain.InvoiceStatusOpen {
		return
	}
	// Backoff window from a previous failed attempt still open.
	if invoice.NextRetryAt != nil && asOf.Before(*invoice.NextRetryAt) {
		return
	}

	itemCtx, cancel := context.WithTimeout(ctx, b.cfg.ItemTimeout)
	defer cancel()

	// Gateway call outside any lease.
	resp, err := b.gateway.RequestCollection(itemCtx, gatewayclient.CollectionRequest{
		Reference:     invoice.Reference,
		InstrumentRef: sub.InstrumentRef,
		Amount:        invoice.Amount,
		Currency:      invoice.Currency,
		Narration:     "Subscription renewal " + invoice.Reference,
	})
	if err != nil {
		var gatewayErr *gatewayclient.ErrorResponse
		if errors.As(err, &gatewayErr) && gatewayErr.IsExplicitRejection() {
			b.applyFailed(ctx, invoice, "", nil)
			b.advanceRetryLadder(ctx, sub, invoice, asOf, result)
			return
		}
		// Ambiguous failure: neither counted against the subscription nor
		// retried immediately; the next cycle picks the invoice up again.
		result.Deferred++
		log.Printf("level=warn component=billing msg=\"collection request failed; invoice deferred\" invoice_ref=%s err=%v", invoice.Reference, err)
		return
	}

	outcome := b.applyResult(ctx, invoice, resp)
	switch {
	case outcome == domain.OutcomeApplied:
		result.Collected++
	case NormalizeResult(resp.Data.Status) == domain.AttemptResultFailed:
		b.advanceRetryLadder(ctx, sub, invoice, asOf, result)
	default:
		// Pending or duplicate; the webhook and the sweeper will finish it.
		result.Deferred++
	}
}

// applyResult pushes the synchronous gateway response through the
// reconciliation core.
func (b *BillingService) applyResult(ctx context.Context, invoice *domain.Invoice, resp *gatewayclient.CollectionResponse) domain.Outcome {
	event := domain.PaymentEvent{
		RefKind:        domain.RefKindInvoice,
		Reference:      invoice.Reference,
		GatewayTransID: resp.Data.TransactionID,
		Result:         NormalizeResult(resp.Data.Status),
		Channel:        domain.ChannelBilling,
		OccurredAt:     time.Now().UTC(),
	}
	if raw, marshalErr := json.Marshal(resp); marshalErr == nil {
		event.RawPayload = raw
	}

	outcome, err := b.reconciler.ApplyPaymentEvent(ctx, event)
	if err != nil {
		log.Printf("level=warn component=billing msg=\"apply collection result failed\" invoice_ref=%s err=%v", invoice.Reference, err)
		return domain.OutcomeRecorded
	}
	return outcome
}

// applyFailed books a failed attempt through the reconciliation core. Used on
// explicit rejections where there is no gateway response body to normalize.
func (b *BillingService) applyFailed(ctx context.Context, invoice *domain.Invoice, gatewayTransID string, rawPayload []byte) {
	_, err := b.reconciler.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		RefKind:        domain.RefKindInvoice,
		Reference:      invoice.Reference,
		GatewayTransID: gatewayTransID,
		Result:         domain.AttemptResultFailed,
		Channel:        domain.ChannelBilling,
		OccurredAt:     time.Now().UTC(),
		RawPayload:     rawPayload,
	})
	if err != nil {
		log.Printf("level=warn component=billing msg=\"failed attempt record failed\" invoice_ref=%s err=%v", invoice.Reference, err)
	}
}

// advanceRetryLadder schedules the backed-off retry and walks the subscription
// down the past_due/suspended ladder.
func (b *BillingService) advanceRetryLadder(ctx context.Context, sub *domain.Subscription, invoice *domain.Invoice, asOf time.Time, result *BillingCycleResult) {
	attempts, err := b.repo.BumpInvoiceRetry(ctx, invoice.ID, asOf.Add(b.backoff(invoice.AttemptCount+1)))
	if err != nil {
		result.Errors++
		log.Printf("level=error component=billing msg=\"retry bump failed\" invoice_ref=%s err=%v", invoice.Reference, err)
		return
	}

	switch {
	case attempts >= b.cfg.SuspendAfter:
		if err := b.repo.UpdateSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusSuspended); err != nil {
			result.Errors++
			log.Printf("level=error component=billing msg=\"suspension failed\" subscription_id=%s err=%v", sub.ID, err)
			return
		}
		if err := b.repo.MarkInvoiceUncollectible(ctx, invoice.ID); err != nil {
			log.Printf("level=warn component=billing msg=\"uncollectible mark failed\" invoice_ref=%s err=%v", invoice.Reference, err)
		}
		result.Suspended++
		b.publishLifecycle(ctx, "subscription.suspended", sub, invoice, attempts)
		log.Printf("level=warn component=billing msg=\"subscription suspended\" subscription_id=%s invoice_ref=%s attempts=%d", sub.ID, invoice.Reference, attempts)

	case attempts >= b.cfg.RetryLimit:
		if sub.Status != domain.SubscriptionStatusPastDue {
			if err := b.repo.UpdateSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusPastDue); err != nil {
				result.Errors++
				log.Printf("level=error component=billing msg=\"past_due transition failed\" subscription_id=%s err=%v", sub.ID, err)
				return
			}
			b.publishLifecycle(ctx, "subscription.past_due", sub, invoice, attempts)
		}
		result.PastDue++
		log.Printf("level=warn component=billing msg=\"subscription past due\" subscription_id=%s invoice_ref=%s attempts=%d", sub.ID, invoice.Reference, attempts)

	default:
		result.Retried++
	}
}

// backoff doubles from RetryBase on each failed attempt.
func (b *BillingService) backoff(attempts int) time.Duration {
	delay := b.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return delay
}

func (b *BillingService) publishLifecycle(ctx context.Context, routingKey string, sub *domain.Subscription, invoice *domain.Invoice, attempts int) {
	if b.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"subscription_id":   sub.ID,
		"customer_id":       sub.CustomerID,
		"invoice_reference": invoice.Reference,
		"attempts":          attempts,
		"timestamp":         time.Now().UTC(),
	}
	if err := b.publisher.Publish(ctx, b.exchange, routingKey, payload); err != nil {
		log.Printf("level=warn component=billing msg=\"lifecycle publish failed\" routing_key=%s subscription_id=%s err=%v", routingKey, sub.ID, err)
	}
}
