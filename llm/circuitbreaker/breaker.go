// Package circuitbreaker guards each (provider, model) endpoint with a
// failure counter and a cooldown, shielding callers from endpoints that are
// currently failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/internal/clock"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Outcome is the result of an admitted call, reported via Record.
type Outcome int

const (
	// Success resets the failure counter and closes a half-open breaker.
	Success Outcome = iota
	// Failure counts toward the threshold; in half-open it reopens the
	// breaker. Only endpoint-health failures should be reported as Failure.
	Failure
	// Neutral releases an admitted probe without counting either way.
	// Used for outcomes that say nothing about endpoint health, such as
	// an auth rejection or caller cancellation.
	Neutral
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures that
	// opens the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// CooldownPeriod is how long an open breaker rejects calls before
	// admitting a probe.
	CooldownPeriod time.Duration `json:"cooldown_period" yaml:"cooldown_period"`

	// OnStateChange is an optional transition callback.
	OnStateChange func(from, to State) `json:"-" yaml:"-"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// Breaker is a single endpoint's circuit breaker.
type Breaker struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// New creates a breaker. A nil config uses defaults; invalid fields are
// corrected to defaults.
func New(config *Config, clk clock.Clock, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config: cfg,
		clock:  clk,
		logger: logger,
		state:  StateClosed,
	}
}

// Check reports whether a call could proceed right now, without admitting
// one. It returns ErrCircuitOpen while the breaker is open and cooling down.
// Half-open counts as passable; probe admission is decided by Allow.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) < b.config.CooldownPeriod {
		return ErrCircuitOpen
	}
	return nil
}

// Allow admits a call. Every successful Allow must be paired with exactly
// one Record. In the open state it returns ErrCircuitOpen until the cooldown
// elapses, then transitions to half-open and admits the caller as the probe.
// In half-open, at most one probe is in flight at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.config.CooldownPeriod {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		b.logger.Info("circuit breaker half-open, admitting probe")
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		switch outcome {
		case Success:
			b.consecutiveFailures = 0
		case Failure:
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.config.FailureThreshold {
				b.openedAt = b.clock.Now()
				b.setState(StateOpen)
				b.logger.Warn("circuit breaker opened",
					zap.Int("consecutive_failures", b.consecutiveFailures),
					zap.Int("threshold", b.config.FailureThreshold),
				)
			}
		}

	case StateHalfOpen:
		b.probeInFlight = false
		switch outcome {
		case Success:
			b.setState(StateClosed)
			b.consecutiveFailures = 0
			b.logger.Info("circuit breaker closed after successful probe")
		case Failure:
			b.openedAt = b.clock.Now()
			b.setState(StateOpen)
			b.logger.Warn("circuit breaker reopened after failed probe")
		}

	case StateOpen:
		// A call admitted before the breaker opened finished late.
		// Its outcome no longer changes the state.
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports StateOpen until a call transitions it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current counted failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Reset forces the breaker closed (manual recovery).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.consecutiveFailures = 0
	b.probeInFlight = false
}

// setState must be called with b.mu held.
func (b *Breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}
