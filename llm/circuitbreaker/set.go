package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/gitcommitshow/resilient-llm/internal/clock"
)

// Key builds the stable endpoint identifier a breaker is scoped to.
func Key(provider, model string) string {
	return provider + "|" + model
}

// Set holds one breaker per endpoint key, created lazily.
type Set struct {
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(clk clock.Clock, logger *zap.Logger) *Set {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		clock:    clk,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it with config on first use.
// The config of an existing breaker is not changed.
func (s *Set) Get(key string, config *Config) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := New(config, s.clock, s.logger.With(zap.String("endpoint", key)))
	s.breakers[key] = b
	return b
}

// Reset clears all breakers (test helper).
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = make(map[string]*Breaker)
}
