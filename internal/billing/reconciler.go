package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sweep names.
const (
	SweepFailedPayments = "failed_payments"
	SweepBalances       = "balance_consistency"
	SweepDoubleCharges  = "double_charges"
	SweepExpiredCredits = "expired_credits"
)

// ReconciliationError wraps a failure of one sweep item. It never blocks
// request-path traffic.
type ReconciliationError struct {
	Sweep     string
	AccountID string
	Item      string
	Err       error
}

func (e *ReconciliationError) Error() string {
	if e.Item != "" {
		return fmt.Sprintf("reconcile %s: account %s item %s: %v", e.Sweep, e.AccountID, e.Item, e.Err)
	}
	return fmt.Sprintf("reconcile %s: account %s: %v", e.Sweep, e.AccountID, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Interval time.Duration

	// PendingTimeout is how long a purchase may stay pending before the
	// provider is asked about it.
	PendingTimeout time.Duration

	// RepairDrift rewrites cached balances that disagree with their pools.
	// When false drift is only reported.
	RepairDrift bool

	// DuplicateWindow bounds how far back double charges are searched.
	DuplicateWindow time.Duration

	// ExpiryGrace is how long after period end a renewal may still arrive
	// before expiring credit is zeroed.
	ExpiryGrace time.Duration

	BatchSize   int
	Concurrency int
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Sweep    string  `json:"sweep"`
	Examined int     `json:"examined"`
	Repaired int     `json:"repaired"`
	Flagged  int     `json:"flagged"`
	Errors   []error `json:"-"`
}

// Report summarises one reconciliation run.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Sweeps     []SweepReport `json:"sweeps"`
}

// Err joins the item errors of every sweep.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Sweeps {
		errs = append(errs, s.Errors...)
	}
	return errors.Join(errs...)
}

// Reconciler repairs drift between the ledger and the provider. Every sweep
// commits per item and is safe to run repeatedly or to cancel midway.
type Reconciler struct {
	cfg       ReconcilerConfig
	ledger    *credits.Ledger
	provider  provider.Client
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	running sync.Mutex
}

// NewReconciler creates a reconciler. client may be nil, in which case
// pending purchases are left alone.
func NewReconciler(cfg ReconcilerConfig, ledger *credits.Ledger, client provider.Client, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = time.Hour
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		cfg:       cfg,
		ledger:    ledger,
		provider:  client,
		publisher: events.Discard,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets where findings are published.
func (r *Reconciler) SetPublisher(p events.Publisher) {
	r.publisher = p
}

// Start runs reconciliation on the configured interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("starting credit reconciler", zap.Duration("interval", r.cfg.Interval))
	go r.reconciliationLoop(ctx)
}

func (r *Reconciler) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	r.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAndLog(ctx)
		}
	}
}

func (r *Reconciler) runAndLog(ctx context.Context) {
	report, err := r.Run(ctx)
	if err != nil {
		r.logger.Warn("reconciliation run aborted", zap.Error(err))
		return
	}
	for _, s := range report.Sweeps {
		r.logger.Info("reconciliation sweep finished",
			zap.String("sweep", s.Sweep),
			zap.Int("examined", s.Examined),
			zap.Int("repaired", s.Repaired),
			zap.Int("flagged", s.Flagged),
			zap.Int("errors", len(s.Errors)),
		)
	}
}

// Run executes all four sweeps once. Item failures are collected in the
// report; the returned error is only set when ctx ends the run early.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	report := Report{StartedAt: r.now()}
	sweeps := []func(context.Context) SweepReport{
		r.ReconcileFailedPayments,
		r.VerifyBalanceConsistency,
		r.DetectDoubleCharges,
		r.CleanupExpiredCredits,
	}
	for _, sweep := range sweeps {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = r.now()
			return report, err
		}
		s := sweep(ctx)
		outcome := "success"
		if len(s.Errors) > 0 {
			outcome = "partial"
		}
		metrics.ReconciliationRuns.WithLabelValues(s.Sweep, outcome).Inc()
		report.Sweeps = append(report.Sweeps, s)
	}
	report.FinishedAt = r.now()
	return report, ctx.Err()
}

// ReconcileFailedPayments settles purchases stuck in pending by asking the
// provider for the checkout session's real state.
func (r *Reconciler) ReconcileFailedPayments(ctx context.Context) SweepReport {
	rep := SweepReport{Sweep: SweepFailedPayments}
	if r.provider == nil {
		return rep
	}

	pending, err := r.ledger.Store().ListPendingPurchases(ctx, r.now().Add(-r.cfg.PendingTimeout), r.cfg.BatchSize)
	if err != nil {
		rep.Errors = append(rep.Errors, &ReconciliationError{Sweep: rep.Sweep, Err: err})
		return rep
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, p := range pending {
		p := p
		g.Go(func() error {
			finding, err := r.settlePending(gctx, p)

			mu.Lock()
			defer mu.Unlock()
			rep.Examined++
			if finding != "" {
				rep.Repaired++
				metrics.ReconciliationFindings.WithLabelValues(rep.Sweep, finding).Inc()
			}
			if err != nil {
				rep.Errors = append(rep.Errors, &ReconciliationError{
					Sweep: rep.Sweep, AccountID: p.AccountID, Item: p.ProviderSessionID, Err: err,
				})
				// Stop hammering a provider the breaker already gave up on.
				if errors.Is(err, breaker.ErrOpen) {
					return err
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// settlePending returns the finding kind when the purchase was settled.
func (r *Reconciler) settlePending(ctx context.Context, p models.CreditPurchase) (string, error) {
	session, err := r.provider.GetCheckoutSession(ctx, p.ProviderSessionID)
	if err != nil {
		return "", err
	}

	switch {
	case session.Status == provider.SessionComplete && session.Paid:
		var credited bool
		err := r.ledger.Mutate(ctx, p.AccountID, func(m *credits.Mutation) error {
			var err error
			credited, err = creditPurchase(ctx, m, p.ProviderSessionID, p.Amount, map[string]any{
				"reconciled": true,
			})
			return err
		})
		if err != nil || !credited {
			return "", err
		}
		r.logger.Warn("credited purchase missed by webhook",
			zap.String("account_id", p.AccountID),
			zap.String("session_id", p.ProviderSessionID),
			zap.String("amount", p.Amount.String()),
		)
		r.publish(ctx, events.EventCreditsPurchased, p.AccountID, map[string]interface{}{
			"amount":     p.Amount.StringFixed(2),
			"session_id": p.ProviderSessionID,
			"reconciled": true,
		})
		return "purchase_completed", nil

	case session.Status == provider.SessionExpired:
		var previous models.PurchaseStatus
		err := r.ledger.Mutate(ctx, p.AccountID, func(m *credits.Mutation) error {
			var err error
			previous, err = m.SettlePurchase(ctx, p.ProviderSessionID, models.PurchaseFailed)
			return err
		})
		if err != nil || previous != models.PurchasePending {
			return "", err
		}
		r.logger.Info("expired purchase marked failed",
			zap.String("account_id", p.AccountID),
			zap.String("session_id", p.ProviderSessionID),
		)
		r.publish(ctx, events.EventPurchaseExpired, p.AccountID, map[string]interface{}{
			"session_id": p.ProviderSessionID,
		})
		return "purchase_expired", nil
	}
	return "", nil
}

// VerifyBalanceConsistency re-derives every cached balance from its pools.
func (r *Reconciler) VerifyBalanceConsistency(ctx context.Context) SweepReport {
	rep := SweepReport{Sweep: SweepBalances}
	r.eachAccount(ctx, &rep, func(ctx context.Context, acct *models.CreditAccount) (itemOutcome, error) {
		if acct.Consistent() {
			return itemOutcome{}, nil
		}
		metrics.ReconciliationFindings.WithLabelValues(rep.Sweep, "drift").Inc()
		r.logger.Error("balance drift detected",
			zap.String("account_id", acct.AccountID),
			zap.String("balance", acct.Balance.String()),
			zap.String("pool_sum", acct.PoolSum().String()),
		)
		r.publish(ctx, events.EventDriftDetected, acct.AccountID, map[string]interface{}{
			"balance":  acct.Balance.String(),
			"pool_sum": acct.PoolSum().String(),
		})
		out := itemOutcome{flagged: true}
		if !r.cfg.RepairDrift {
			return out, nil
		}

		err := r.ledger.Mutate(ctx, acct.AccountID, func(m *credits.Mutation) error {
			if m.Account().Consistent() {
				return nil
			}
			m.Repair("Balance re-derived from pools")
			out.repaired = true
			return nil
		})
		if err != nil {
			out.repaired = false
		}
		return out, err
	})
	return rep
}

// DetectDoubleCharges flags provider references that credited an account
// more than once. Findings need a human; nothing is reversed automatically.
func (r *Reconciler) DetectDoubleCharges(ctx context.Context) SweepReport {
	rep := SweepReport{Sweep: SweepDoubleCharges}
	dups, err := r.ledger.Store().FindDuplicateEventEntries(ctx, r.now().Add(-r.cfg.DuplicateWindow))
	if err != nil {
		rep.Errors = append(rep.Errors, &ReconciliationError{Sweep: rep.Sweep, Err: err})
		return rep
	}

	for _, d := range dups {
		rep.Examined++
		rep.Flagged++
		metrics.ReconciliationFindings.WithLabelValues(rep.Sweep, "double_charge").Inc()
		r.logger.Error("double charge detected",
			zap.String("account_id", d.AccountID),
			zap.String("provider_event_id", d.ProviderEventID),
			zap.Strings("entry_ids", d.EntryIDs),
			zap.String("total", d.Total.String()),
		)
		r.publish(ctx, events.EventDoubleChargeDetected, d.AccountID, map[string]interface{}{
			"provider_event_id": d.ProviderEventID,
			"entry_ids":         d.EntryIDs,
			"total":             d.Total.String(),
		})
	}
	return rep
}

// CleanupExpiredCredits zeroes the expiring pool of accounts whose period
// ended without a renewal arriving.
func (r *Reconciler) CleanupExpiredCredits(ctx context.Context) SweepReport {
	rep := SweepReport{Sweep: SweepExpiredCredits}
	cutoff := r.now().Add(-r.cfg.ExpiryGrace)
	lapsed := func(acct *models.CreditAccount) bool {
		return acct.PeriodEndsAt != nil && acct.PeriodEndsAt.Before(cutoff) && acct.ExpiringPool.IsPositive()
	}

	r.eachAccount(ctx, &rep, func(ctx context.Context, acct *models.CreditAccount) (itemOutcome, error) {
		if !lapsed(acct) {
			return itemOutcome{}, nil
		}

		var forfeited decimal.Decimal
		err := r.ledger.Mutate(ctx, acct.AccountID, func(m *credits.Mutation) error {
			a := m.Account()
			if !lapsed(a) {
				return nil
			}
			forfeited = a.ExpiringPool
			_, err := m.ResetExpiring(decimal.Zero, models.EntryAdjustment, "Expired subscription credits", "", map[string]any{
				"period_ends_at": a.PeriodEndsAt.Format(time.RFC3339),
			})
			return err
		})
		if err != nil || forfeited.IsZero() {
			return itemOutcome{}, err
		}

		metrics.ReconciliationFindings.WithLabelValues(rep.Sweep, "expired").Inc()
		r.logger.Info("expired credits removed",
			zap.String("account_id", acct.AccountID),
			zap.String("amount", forfeited.String()),
		)
		return itemOutcome{repaired: true}, nil
	})
	return rep
}

type itemOutcome struct {
	flagged  bool
	repaired bool
}

// eachAccount pages through all accounts and runs fn on each with bounded
// concurrency, tallying outcomes into rep.
func (r *Reconciler) eachAccount(ctx context.Context, rep *SweepReport, fn func(ctx context.Context, acct *models.CreditAccount) (itemOutcome, error)) {
	var mu sync.Mutex
	after := ""
	for ctx.Err() == nil {
		page, err := r.ledger.Store().ListAccounts(ctx, after, r.cfg.BatchSize)
		if err != nil {
			rep.Errors = append(rep.Errors, &ReconciliationError{Sweep: rep.Sweep, Err: err})
			return
		}
		if len(page) == 0 {
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, acct := range page {
			acct := acct
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := fn(gctx, acct)

				mu.Lock()
				defer mu.Unlock()
				rep.Examined++
				if out.flagged {
					rep.Flagged++
				}
				if out.repaired {
					rep.Repaired++
				}
				if err != nil {
					rep.Errors = append(rep.Errors, &ReconciliationError{Sweep: rep.Sweep, AccountID: acct.AccountID, Err: err})
				}
				return nil
			})
		}
		_ = g.Wait()

		after = page[len(page)-1].AccountID
		if len(page) < r.cfg.BatchSize {
			return
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if err := r.publisher.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		r.logger.Warn("failed to publish reconciliation event",
			zap.String("event_type", string(t)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}
