/**
 * @description
 * This file implements the reconciliation sweeper: the periodic pass over
 * stale awaiting_payment orders that recovers from missed gateway
 * notifications. Each order gets a bounded gateway status query; orders past
 * the configured maximum age are expired to payment_failed. One slow or
 * failing item never aborts the batch; it is simply picked up again on the
 * next sweep.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
	"github.com/paysoko/billing-service/pkg/gatewayclient"
)

// SweeperConfig bounds one sweep pass.
type SweeperConfig struct {
	// MinAge is how long an order must have sat in awaiting_payment before
	// the sweeper queries the gateway for it.
	MinAge time.Duration
	// MaxAge is the timeout policy: awaiting_payment orders older than this
	// are auto-transitioned to payment_failed.
	MaxAge time.Duration
	// BatchLimit bounds how many orders one sweep examines.
	BatchLimit int
	// ItemTimeout bounds the gateway round-trip per order.
	ItemTimeout time.Duration
}

// Sweeper reconciles stale unpaid orders against the gateway.
type Sweeper struct {
	repo       store.Repository
	gateway    GatewayClient
	reconciler *Reconciler
	cfg        SweeperConfig
}

// NewSweeper creates a sweeper.
func NewSweeper(repo store.Repository, gateway GatewayClient, reconciler *Reconciler, cfg SweeperConfig) *Sweeper {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	return &Sweeper{repo: repo, gateway: gateway, reconciler: reconciler, cfg: cfg}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Expired    int `json:"expired"`
	Deferred   int `json:"deferred"`
}

// Sweep runs one reconciliation pass as of now.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.MinAge)

	orders, err := s.repo.ListStaleAwaitingOrders(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Scanned: len(orders)}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if s.cfg.MaxAge > 0 && now.Sub(order.CreatedAt) > s.cfg.MaxAge {
			s.expire(ctx, order, result)
			continue
		}

		s.reconcileOne(ctx, order, result)
	}

	log.Printf("level=info component=sweeper msg=\"sweep finished\" scanned=%d applied=%d duplicates=%d expired=%d deferred=%d",
		result.Scanned, result.Applied, result.Duplicates, result.Expired, result.Deferred)
	return result, nil
}

func (s *Sweeper) reconcileOne(ctx context.Context, order domain.Order, result *SweepResult) {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	// Gateway query happens before (and without) the order lease.
	status, err := s.gateway.GetTransactionStatus(itemCtx, order.Reference)
	if err != nil {
		var gatewayErr *gatewayclient.ErrorResponse
		if errors.As(err, &gatewayErr) && gatewayErr.IsExplicitRejection() {
			s.apply(ctx, domain.PaymentEvent{
				RefKind:    domain.RefKindOrder,
				Reference:  order.Reference,
				Result:     domain.AttemptResultFailed,
				Channel:    domain.ChannelSweep,
				OccurredAt: time.Now().UTC(),
			}, result)
			return
		}
		// Ambiguous failure: leave the order for the next sweep.
		result.Deferred++
		log.Printf("level=warn component=sweeper msg=\"gateway status query failed; order re-queued\" order_ref=%s err=%v", order.Reference, err)
		return
	}

	event := domain.PaymentEvent{
		RefKind:        domain.RefKindOrder,
		Reference:      order.Reference,
		GatewayTransID: status.Data.TransactionID,
		Result:         NormalizeResult(status.Data.Status),
		Channel:        domain.ChannelSweep,
		OccurredAt:     time.Now().UTC(),
	}
	if raw, marshalErr := json.Marshal(status); marshalErr == nil {
		event.RawPayload = raw
	}
	s.apply(ctx, event, result)
}

func (s *Sweeper) expire(ctx context.Context, order domain.Order, result *SweepResult) {
	outcome, err := s.reconciler.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		RefKind:    domain.RefKindOrder,
		Reference:  order.Reference,
		Result:     domain.AttemptResultFailed,
		Channel:    domain.ChannelSweep,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		result.Deferred++
		log.Printf("level=warn component=sweeper msg=\"expiry failed; order re-queued\" order_ref=%s err=%v", order.Reference, err)
		return
	}
	if outcome == domain.OutcomeApplied {
		result.Expired++
		log.Printf("level=info component=sweeper msg=\"order expired past max payment age\" order_ref=%s", order.Reference)
		return
	}
	result.Duplicates++
}

func (s *Sweeper) apply(ctx context.Context, event domain.PaymentEvent, result *SweepResult) {
	outcome, err := s.reconciler.ApplyPaymentEvent(ctx, event)
	if err != nil {
		result.Deferred++
		log.Printf("level=warn component=sweeper msg=\"apply failed; order re-queued\" order_ref=%s err=%v", event.Reference, err)
		return
	}
	switch outcome {
	case domain.OutcomeApplied:
		result.Applied++
	case domain.OutcomeBusy:
		result.Deferred++
	default:
		result.Duplicates++
	}
}
