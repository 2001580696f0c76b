/**
 * @description
 * Cron scheduler setup for the periodic sweep and billing jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron            *cron.Cron
	sweeper         *Sweeper
	billing         *BillingService
	logger          *slog.Logger
	sweepSchedule   string
	billingSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(sweeper *Sweeper, billing *BillingService, logger *slog.Logger, sweepSchedule, billingSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:            c,
		sweeper:         sweeper,
		billing:         billing,
		logger:          logger,
		sweepSchedule:   sweepSchedule,
		billingSchedule: billingSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.runSweep); err != nil {
		s.logger.Error("failed to schedule reconciliation sweep job", "error", err)
	} else {
		s.logger.Info("scheduled reconciliation sweep job", "schedule", s.sweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.billingSchedule, s.runBilling); err != nil {
		s.logger.Error("failed to schedule billing cycle job", "error", err)
	} else {
		s.logger.Info("scheduled billing cycle job", "schedule", s.billingSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	s.logger.Info("starting reconciliation sweep job")
	ctx := context.Background()

	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("reconciliation sweep job failed", "error", err)
		return
	}

	s.logger.Info("reconciliation sweep job finished",
		"scanned", result.Scanned, "applied", result.Applied,
		"duplicates", result.Duplicates, "expired", result.Expired, "deferred", result.Deferred)
}

func (s *Scheduler) runBilling() {
	s.logger.Info("starting billing cycle job")
	ctx := context.Background()

	result, err := s.billing.RunBillingCycle(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("billing cycle job failed", "error", err)
		return
	}
	if result.Skipped {
		s.logger.Info("billing cycle job skipped; previous cycle still running")
		return
	}

	s.logger.Info("billing cycle job finished",
		"due", result.Due, "collected", result.Collected, "retried", result.Retried,
		"past_due", result.PastDue, "suspended", result.Suspended,
		"deferred", result.Deferred, "errors", result.Errors)
}
