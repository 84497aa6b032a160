package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is matched by every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned without calling the wrapped function while the
// circuit is open or a half-open trial is already in flight.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open (retry after %s)", e.Name, e.RetryAfter)
}

// Is makes errors.Is(err, ErrOpen) work.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when the breaker trips.
type Config struct {
	Name string

	// FailureThreshold trips the circuit once this many failures are seen
	// inside Window.
	FailureThreshold int

	// FailureRate trips the circuit when failures/total inside Window reaches
	// it, provided at least MinRequests calls were observed. Zero disables.
	FailureRate float64
	MinRequests int

	Window   time.Duration
	Cooldown time.Duration

	// CallTimeout bounds every wrapped call. A timed out call is a failure.
	CallTimeout time.Duration
}

// DefaultConfig returns settings suited to a payment provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		FailureRate:      0.5,
		MinRequests:      10,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker implements closed -> open -> half-open -> closed with a rolling
// failure window and a single trial call while half-open.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	outcomes      []outcome
	openedAt      time.Time
	trialInFlight bool
	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// New creates a breaker. Zero config fields fall back to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = def.MinRequests
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on
// every transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, moving open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn through the breaker with the configured call timeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	// The caller giving up says nothing about the provider.
	if err != nil && ctx.Err() != nil {
		b.release(trial)
		return err
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s call timed out after %s: %w", b.cfg.Name, b.cfg.CallTimeout, err)
	}

	b.record(trial, err == nil)
	return err
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.outcomes = nil
	b.trialInFlight = false
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.Cooldown {
			return false, &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.Cooldown - elapsed}
		}
		b.transition(StateHalfOpen)
	}

	// half-open: exactly one trial call
	if b.trialInFlight {
		return false, &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.Cooldown}
	}
	b.trialInFlight = true
	return true, nil
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if trial {
		b.trialInFlight = false
		if success {
			b.outcomes = nil
			b.transition(StateClosed)
		} else {
			b.openedAt = now
			b.transition(StateOpen)
		}
		return
	}

	if b.state != StateClosed {
		// A call admitted while closed finished after the circuit moved on.
		return
	}

	b.outcomes = append(b.outcomes, outcome{at: now, failed: !success})
	b.prune(now)

	if success {
		return
	}
	if b.shouldTrip() {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	b.outcomes = b.outcomes[i:]
}

func (b *Breaker) shouldTrip() bool {
	failures := 0
	for _, o := range b.outcomes {
		if o.failed {
			failures++
		}
	}
	if failures >= b.cfg.FailureThreshold {
		return true
	}
	total := len(b.outcomes)
	if b.cfg.FailureRate > 0 && total >= b.cfg.MinRequests {
		return float64(failures)/float64(total) >= b.cfg.FailureRate
	}
	return false
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.outcomes = nil
	}
	if b.onStateChange != nil {
		b.onStateChange(b.cfg.Name, from, to)
	}
}
