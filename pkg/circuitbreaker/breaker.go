package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that close it.
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
	Now              func() time.Time
	Logger           *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
	}
}

type CircuitBreaker struct {
	name             string
	timeout          time.Duration
	failureThreshold uint32
	successThreshold uint32
	onStateChange    func(name string, from State, to State)
	now              func() time.Time
	logger           *zap.Logger

	mu          sync.Mutex
	state       State
	generation  uint64
	counts      Counts
	nextAttempt time.Time
}

type Counts struct {
	Failures  uint32
	Successes uint32
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		timeout:          cfg.Timeout,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
		logger:           cfg.Logger,
	}

	if cb.timeout == 0 {
		cb.timeout = 60 * time.Second
	}
	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold == 0 {
		cb.successThreshold = 2
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.logger == nil {
		cb.logger = zap.NewNop()
	}

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit is open. Any error returned by fn, or a
// panic, counts as a failure. The context is only checked before fn starts.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.afterRequest(generation, err == nil)
	return err
}

// ExecuteWithResult is Execute for operations that produce a value.
func ExecuteWithResult[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		now := cb.now()
		if now.Before(cb.nextAttempt) {
			return cb.generation, fmt.Errorf("%w: [%s] retry after %s",
				ErrCircuitOpen, cb.name, cb.nextAttempt.Format(time.RFC3339))
		}
		cb.setState(StateHalfOpen)
	}

	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Results from calls that started before a Reset are discarded.
	if cb.generation != before {
		return
	}

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.counts.Failures = 0

	if cb.state == StateHalfOpen {
		cb.counts.Successes++
		if cb.counts.Successes >= cb.successThreshold {
			cb.counts.Successes = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.counts.Failures++
	cb.counts.Successes = 0

	if cb.counts.Failures >= cb.failureThreshold {
		cb.nextAttempt = cb.now().Add(cb.timeout)
		if cb.state != StateOpen {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("failures", cb.counts.Failures),
		zap.Time("next_attempt", cb.nextAttempt),
	)
}

// Reset forces the circuit closed and zeroes its counters. In-flight calls
// that started before the reset do not affect the new state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.generation++
	cb.counts = Counts{}
	cb.nextAttempt = time.Time{}
	cb.setState(StateClosed)

	cb.logger.Info("Circuit breaker manually reset", zap.String("name", cb.name))
}

// State reports the stored state. An open circuit whose timeout has elapsed
// still reports OPEN until the next Execute moves it to HALF_OPEN.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Snapshot is a point-in-time view used by the admin endpoints.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    uint32    `json:"failure_count"`
	Successes   uint32    `json:"success_count"`
	NextAttempt time.Time `json:"next_attempt_time,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.counts.Failures,
		Successes:   cb.counts.Successes,
		NextAttempt: cb.nextAttempt,
	}
}
