package engine

import (
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-plugin circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed calls before the circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a trial call through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per plugin so a failing plugin
// stops being called while the others keep working.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time

	// OnStateChange, when set, is called after a breaker opens or closes.
	OnStateChange func(plugin string, from, to CircuitState)
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if a call to plugin may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(plugin string) error {
	cb := r.getOrCreate(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first trial call
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for plugin %q after %d consecutive failures",
			plugin, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"plugin":               plugin,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for plugin %q: trial call already in flight", plugin).
				WithDetails(map[string]any{"plugin": plugin})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the plugin's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(plugin string) {
	cb := r.getOrCreate(plugin)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	r.notify(plugin, from, CircuitClosed)
}

// RecordFailure counts a failed call and returns the resulting state.
// Any failure while half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(plugin string) CircuitState {
	cb := r.getOrCreate(plugin)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(plugin, from, to)
	return to
}

// GetState returns the plugin's current circuit state.
func (r *CircuitBreakerRegistry) GetState(plugin string) CircuitState {
	cb := r.getOrCreate(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a plugin's breaker.
func (r *CircuitBreakerRegistry) GetStats(plugin string) map[string]any {
	cb := r.getOrCreate(plugin)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"plugin":               plugin,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) notify(plugin string, from, to CircuitState) {
	if r.OnStateChange != nil && from != to && to != CircuitHalfOpen {
		r.OnStateChange(plugin, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(plugin string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[plugin]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[plugin] = cb
	}
	return cb
}
