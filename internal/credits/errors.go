package credits

import (
	"context"
	"errors"

	"github.com/crosslogic/credits/internal/config"
)

var (
	// ErrInsufficientCredits means the account cannot pay for a new operation.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrModelNotPermitted means the account's tier does not include the model.
	ErrModelNotPermitted = errors.New("model not permitted for tier")

	// ErrTierNotFound means the account references a tier missing from the catalog.
	ErrTierNotFound = config.ErrTierNotFound

	ErrAccountNotFound = errors.New("credit account not found")
	ErrInvalidAmount   = errors.New("invalid credit amount")

	// ErrSetupInProgress means another request holds the first-touch setup
	// lock for the account. Callers retry the read path.
	ErrSetupInProgress = errors.New("account setup in progress")

	ErrPurchaseNotFound = errors.New("credit purchase not found")
)

// Category groups errors for the failure policy.
type Category string

const (
	CategoryInsufficientCredits Category = "insufficient_credits"
	CategoryModelNotPermitted   Category = "model_not_permitted"
	CategoryTierNotFound        Category = "tier_not_found"
	CategoryAccountNotFound     Category = "account_not_found"
	CategorySetupInProgress     Category = "setup_in_progress"
	CategoryCanceled            Category = "canceled"
	CategoryInfrastructure      Category = "infrastructure"
)

// Classify maps an error to its policy category. Anything not recognised is
// an infrastructure failure.
func Classify(err error) Category {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return CategoryInsufficientCredits
	case errors.Is(err, ErrModelNotPermitted):
		return CategoryModelNotPermitted
	case errors.Is(err, ErrTierNotFound):
		return CategoryTierNotFound
	case errors.Is(err, ErrAccountNotFound):
		return CategoryAccountNotFound
	case errors.Is(err, ErrSetupInProgress):
		return CategorySetupInProgress
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	default:
		return CategoryInfrastructure
	}
}

// Action is what preflight does when a check fails.
type Action int

const (
	FailOpen Action = iota
	FailClosed
)

func (a Action) String() string {
	if a == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// FailurePolicy is the single table deciding whether a failed preflight
// check refuses the operation.
type FailurePolicy map[Category]Action

// DefaultFailurePolicy refuses on business rules and on a broken tier
// catalog, and allows when the billing subsystem itself is unavailable.
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{
		CategoryInsufficientCredits: FailClosed,
		CategoryModelNotPermitted:   FailClosed,
		CategoryTierNotFound:        FailClosed,
		CategoryAccountNotFound:     FailOpen,
		CategorySetupInProgress:     FailOpen,
		CategoryCanceled:            FailClosed,
		CategoryInfrastructure:      FailOpen,
	}
}

// Decide classifies err and looks up the action. Categories missing from the
// table fail open.
func (p FailurePolicy) Decide(err error) (Category, Action) {
	cat := Classify(err)
	if action, ok := p[cat]; ok {
		return cat, action
	}
	return cat, FailOpen
}
