// Package breaker implements per-destination failure isolation.
//
// Each breaker is a CLOSED/OPEN/HALF_OPEN state machine guarding calls to a
// single destination. The registry lazily creates breakers per key and runs
// one background monitor that frees breakers stuck OPEN past the recovery
// window.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bsvalues/BCBSWebhub/pkg/observability"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Base errors for errors.Is matching.
var (
	ErrOpen    = errors.New("circuit open")
	ErrTimeout = errors.New("operation timed out")
)

// CircuitOpenError is returned when a call is rejected without being
// attempted because the destination's breaker is open.
type CircuitOpenError struct {
	Destination string
	RetryAfter  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q (retry in %s)", e.Destination, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return ErrOpen }

// TimeoutError is returned when a wrapped operation did not settle within
// the breaker's call timeout. The operation counts as a failure.
type TimeoutError struct {
	Destination string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %q timed out after %s", e.Destination, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Config holds breaker tuning. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long an open breaker rejects calls before the
	// next call is attempted half-open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenSuccessThreshold is the consecutive successes required to
	// close a half-open breaker.
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`

	// CallTimeout bounds each wrapped operation. Zero disables the bound.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 2
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Destination     string    `json:"destination"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failureCount"`
	SuccessCount    int       `json:"successCount"`
	LastFailureTime time.Time `json:"lastFailureTime,omitempty"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Breaker guards calls to a single destination.
// Breaker is safe for concurrent use.
type Breaker struct {
	dest string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

func newBreaker(dest string, cfg Config) *Breaker {
	return &Breaker{
		dest:            dest,
		cfg:             cfg.withDefaults(),
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Execute runs op under the breaker. An open breaker rejects the call with
// CircuitOpenError without invoking op; otherwise op runs, bounded by the
// configured call timeout, and its outcome feeds the state machine.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		elapsed := time.Since(b.lastStateChange)
		if elapsed < b.cfg.ResetTimeout {
			remaining := b.cfg.ResetTimeout - elapsed
			b.mu.Unlock()
			observability.RecordBreakerRejection(b.dest)
			return &CircuitOpenError{Destination: b.dest, RetryAfter: remaining}
		}
		// Reset timeout elapsed: this call becomes the first trial.
		b.toHalfOpenLocked()
	case HalfOpen, Closed:
	}
	b.mu.Unlock()

	err := b.run(ctx, op)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailureLocked()
		return err
	}
	b.recordSuccessLocked()
	return nil
}

// run invokes op with the call timeout applied. A non-settling operation
// counts as a failure via TimeoutError.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Destination: b.dest, Timeout: b.cfg.CallTimeout}
	}
}

func (b *Breaker) recordFailureLocked() {
	b.lastFailureTime = time.Now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.toOpenLocked()
		}
	case HalfOpen:
		// A single half-open failure reopens immediately.
		b.toOpenLocked()
	case Open:
	}
}

func (b *Breaker) recordSuccessLocked() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenSuccessThreshold {
			b.toClosedLocked()
		}
	case Open:
	}
}

// toHalfOpenLocked is the single OPEN -> HALF_OPEN transition path. Both the
// call path and the registry monitor go through it under the breaker mutex.
func (b *Breaker) toHalfOpenLocked() {
	b.state = HalfOpen
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
	observability.SetBreakerState(b.dest, int(HalfOpen))
	log.Printf("[BREAKER] %s -> HALF_OPEN", b.dest)
}

func (b *Breaker) toOpenLocked() {
	b.state = Open
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
	observability.SetBreakerState(b.dest, int(Open))
	log.Printf("[BREAKER] %s -> OPEN", b.dest)
}

func (b *Breaker) toClosedLocked() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
	observability.SetBreakerState(b.dest, int(Closed))
	log.Printf("[BREAKER] %s -> CLOSED", b.dest)
}

// forceHalfOpenIfStuck transitions an OPEN breaker to HALF_OPEN when it has
// been open longer than limit. It reports whether a transition happened.
func (b *Breaker) forceHalfOpenIfStuck(limit time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open || time.Since(b.lastStateChange) <= limit {
		return false
	}
	log.Printf("[BREAKER] %s stuck open for %s, forcing trial", b.dest, time.Since(b.lastStateChange).Round(time.Second))
	b.toHalfOpenLocked()
	return true
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns current breaker stats.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Destination:     b.dest,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset returns the breaker to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
}
