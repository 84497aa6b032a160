package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/crosslogic/credits/pkg/events"
	"github.com/crosslogic/credits/pkg/metrics"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountProvisioner creates an account on first billing touch.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, accountID string) (*models.CreditAccount, error)
}

// PreflightRequest asks whether an operation may run.
type PreflightRequest struct {
	AccountID     string           `json:"account_id"`
	Model         string           `json:"model"`
	EstimatedCost *decimal.Decimal `json:"estimated_cost,omitempty"`
}

// PreflightResult is the gate's decision. Reason is safe to show to users.
type PreflightResult struct {
	Allowed  bool             `json:"allowed"`
	Reason   string           `json:"reason,omitempty"`
	Category Category         `json:"category,omitempty"`
	Warning  string           `json:"warning,omitempty"`
	Tier     models.Tier      `json:"tier,omitempty"`
	Balance  *decimal.Decimal `json:"balance,omitempty"`
}

// SettleRequest charges for a completed operation.
type SettleRequest struct {
	AccountID string `json:"account_id"`
	Usage
}

// SettleResult reports what was charged.
type SettleResult struct {
	Success  bool             `json:"success"`
	Cost     decimal.Decimal  `json:"cost"`
	Billed   bool             `json:"billed"`
	NewTotal *decimal.Decimal `json:"new_total,omitempty"`
	Draw     *Draw            `json:"draw,omitempty"`
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Disabled allows every preflight and skips every charge.
	Disabled bool
	Policy   FailurePolicy

	// SetupRetries bounds how often preflight re-reads an account whose
	// setup is running in another request.
	SetupRetries int
	SetupBackoff time.Duration

	// SettleTimeout bounds the deduction, which runs detached from the
	// caller's cancellation.
	SettleTimeout time.Duration
}

// Gate is the preflight/settle API used by the request path.
type Gate struct {
	cfg         GateConfig
	ledger      *Ledger
	refresh     *RefreshService
	tiers       *config.TierCatalog
	costs       *CostCalculator
	provisioner AccountProvisioner
	publisher   events.Publisher
	logger      *zap.Logger
}

// NewGate creates a gate.
func NewGate(cfg GateConfig, ledger *Ledger, refresh *RefreshService, tiers *config.TierCatalog, costs *CostCalculator, logger *zap.Logger) *Gate {
	if cfg.Policy == nil {
		cfg.Policy = DefaultFailurePolicy()
	}
	if cfg.SetupRetries <= 0 {
		cfg.SetupRetries = 3
	}
	if cfg.SetupBackoff <= 0 {
		cfg.SetupBackoff = 100 * time.Millisecond
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	return &Gate{
		cfg:       cfg,
		ledger:    ledger,
		refresh:   refresh,
		tiers:     tiers,
		costs:     costs,
		publisher: events.Discard,
		logger:    logger,
	}
}

// SetProvisioner enables first-touch account creation.
func (g *Gate) SetProvisioner(p AccountProvisioner) {
	g.provisioner = p
}

// SetPublisher sets where usage events are published.
func (g *Gate) SetPublisher(p events.Publisher) {
	g.publisher = p
}

// Preflight decides whether an operation may run. Business-rule failures
// are denials; other failures are resolved by the failure policy.
func (g *Gate) Preflight(ctx context.Context, req PreflightRequest) PreflightResult {
	if g.cfg.Disabled {
		metrics.PreflightDecisions.WithLabelValues("allow", "billing_disabled").Inc()
		return PreflightResult{Allowed: true, Reason: "billing disabled"}
	}

	bal, warning, err := g.check(ctx, req)
	if err == nil {
		metrics.PreflightDecisions.WithLabelValues("allow", "ok").Inc()
		res := PreflightResult{Allowed: true, Warning: warning, Tier: bal.Tier}
		res.Balance = &bal.Total
		return res
	}

	cat, action := g.cfg.Policy.Decide(err)
	if action == FailClosed {
		metrics.PreflightDecisions.WithLabelValues("deny", string(cat)).Inc()
		res := PreflightResult{Allowed: false, Category: cat, Reason: denialReason(cat, bal, req.EstimatedCost)}
		if bal != nil {
			res.Tier = bal.Tier
			res.Balance = &bal.Total
		}
		return res
	}

	metrics.PreflightDecisions.WithLabelValues("allow", string(cat)).Inc()
	g.logger.Warn("billing preflight failed open",
		zap.String("account_id", req.AccountID),
		zap.String("model", req.Model),
		zap.String("category", string(cat)),
		zap.Error(err),
	)
	return PreflightResult{
		Allowed:  true,
		Category: cat,
		Warning:  fmt.Sprintf("billing check skipped (%s)", cat),
	}
}

// check returns the balance it evaluated, a warning for a failed but
// non-blocking step, and the error that decided the request.
func (g *Gate) check(ctx context.Context, req PreflightRequest) (*Balance, string, error) {
	var warning string

	_, err := g.refresh.MaybeRefresh(ctx, req.AccountID, false)
	if errors.Is(err, ErrAccountNotFound) {
		if err := g.ensureAccount(ctx, req.AccountID); err != nil {
			return nil, "", err
		}
		_, err = g.refresh.MaybeRefresh(ctx, req.AccountID, false)
	}
	if err != nil {
		cat, action := g.cfg.Policy.Decide(err)
		if action == FailClosed {
			return nil, "", err
		}
		g.logger.Warn("daily refresh skipped during preflight",
			zap.String("account_id", req.AccountID),
			zap.Error(err),
		)
		warning = fmt.Sprintf("daily refresh skipped (%s)", cat)
	}

	bal, err := g.ledger.Read(ctx, req.AccountID)
	if err != nil {
		return nil, warning, err
	}

	allowed, err := g.tiers.AllowsModel(bal.Tier, req.Model)
	if err != nil {
		return &bal, warning, err
	}
	if !allowed {
		return &bal, warning, fmt.Errorf("%w: %s on %s", ErrModelNotPermitted, req.Model, bal.Tier)
	}

	if g.costs.IsFree(req.Model) {
		return &bal, warning, nil
	}
	if !bal.Total.IsPositive() {
		return &bal, warning, ErrInsufficientCredits
	}
	if req.EstimatedCost != nil && bal.Total.LessThan(*req.EstimatedCost) {
		return &bal, warning, ErrInsufficientCredits
	}
	return &bal, warning, nil
}

// ensureAccount provisions a missing account. When another request is
// already doing so it waits and re-reads instead of failing.
func (g *Gate) ensureAccount(ctx context.Context, accountID string) error {
	if g.provisioner == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	for attempt := 0; attempt < g.cfg.SetupRetries; attempt++ {
		_, err := g.provisioner.EnsureAccount(ctx, accountID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrSetupInProgress) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.SetupBackoff):
		}

		_, err = g.ledger.Account(ctx, accountID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
	}
	return ErrSetupInProgress
}

func denialReason(cat Category, bal *Balance, estimate *decimal.Decimal) string {
	switch cat {
	case CategoryInsufficientCredits:
		if bal == nil {
			return "insufficient credits"
		}
		if estimate != nil && bal.Total.IsPositive() {
			return fmt.Sprintf("insufficient credits, balance is $%s and this request is estimated at $%s",
				bal.Total.StringFixed(2), estimate.StringFixed(2))
		}
		return fmt.Sprintf("insufficient credits, balance is $%s", bal.Total.StringFixed(2))
	case CategoryModelNotPermitted:
		return "model not available on your current plan"
	case CategoryTierNotFound:
		return "your plan could not be resolved, please contact support"
	case CategoryCanceled:
		return "request cancelled"
	default:
		return "billing check failed"
	}
}

// Settle charges for a completed operation. Zero-cost usage succeeds
// without a ledger entry. A failed charge is logged as unbilled and the
// error returned so the caller can record it too.
func (g *Gate) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	if g.cfg.Disabled {
		return SettleResult{Success: true, Cost: decimal.Zero}, nil
	}

	cost := g.costs.Compute(req.Usage)
	if cost.IsZero() {
		return SettleResult{Success: true, Cost: cost}, nil
	}

	// The operation already happened; a caller hanging up must not leave
	// it unbilled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.SettleTimeout)
	defer cancel()

	res, err := g.ledger.Deduct(ctx, DeductRequest{
		AccountID:   req.AccountID,
		Amount:      cost,
		Description: fmt.Sprintf("Usage: %s", req.Model),
		Metadata: map[string]any{
			"model":              req.Model,
			"prompt_tokens":      req.PromptTokens,
			"completion_tokens":  req.CompletionTokens,
			"cache_read_tokens":  req.CacheReadTokens,
			"cache_write_tokens": req.CacheWriteTokens,
		},
	})
	if err != nil {
		metrics.UnbilledUsage.Inc()
		g.logger.Error("unbilled usage",
			zap.String("account_id", req.AccountID),
			zap.String("model", req.Model),
			zap.Int64("prompt_tokens", req.PromptTokens),
			zap.Int64("completion_tokens", req.CompletionTokens),
			zap.Int64("cache_read_tokens", req.CacheReadTokens),
			zap.Int64("cache_write_tokens", req.CacheWriteTokens),
			zap.String("cost", cost.String()),
			zap.Error(err),
		)
		g.publish(ctx, events.EventUsageUnbilled, req.AccountID, map[string]interface{}{
			"model": req.Model,
			"cost":  cost.String(),
			"error": err.Error(),
		})
		return SettleResult{Success: false, Cost: cost}, err
	}

	if !res.NewTotal.IsPositive() && res.NewTotal.Add(cost).IsPositive() {
		g.publish(ctx, events.EventCreditsDepleted, req.AccountID, map[string]interface{}{
			"balance": res.NewTotal.String(),
		})
	}

	total := res.NewTotal
	draw := res.Draw
	return SettleResult{Success: true, Cost: cost, Billed: true, NewTotal: &total, Draw: &draw}, nil
}

func (g *Gate) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if err := g.publisher.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		g.logger.Warn("event publish failed", zap.String("event_type", string(t)), zap.Error(err))
	}
}
