// Package breaker implements a circuit breaker guarding calls to unreliable
// downstream collaborators (recipient directory, template renderer, mail
// transport). When a collaborator fails repeatedly the breaker opens and
// callers fail fast instead of piling up on a dead dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// wrapped function. It classifies as a transient failure: the collaborator
// may recover once the reset timeout allows a probe.
var ErrOpen = errors.New("circuit breaker is open")

// State is the current mode of a breaker.
type State int

const (
	// StateClosed lets calls pass through; consecutive failures are counted.
	StateClosed State = iota
	// StateOpen rejects calls immediately with ErrOpen.
	StateOpen
	// StateHalfOpen lets probe calls through after the reset timeout.
	StateHalfOpen
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// EventPublisher receives breaker state transition events. Transitions are
// observable but never block the caller.
type EventPublisher interface {
	Publish(eventType string, payload map[string]string)
}

// Event type constants for breaker state transitions.
const (
	EventOpened   = "breaker.opened"
	EventHalfOpen = "breaker.half_open"
	EventClosed   = "breaker.closed"
)

// Options configures a Breaker instance.
type Options struct {
	// Threshold is the number of consecutive failures that opens the breaker,
	// and the number of consecutive half-open successes that closes it again.
	Threshold int
	// CallTimeout bounds each guarded call; overrunning it counts as a failure.
	CallTimeout time.Duration
	// ResetTimeout is how long an open breaker waits before allowing probes.
	ResetTimeout time.Duration
}

// Breaker guards calls to a single named collaborator. Safe for concurrent
// use; state is process-local and reset on restart.
type Breaker struct {
	name string
	opts Options

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	logger      *slog.Logger
	events      EventPublisher
	now         func() time.Time // overridable in tests
}

// New creates a Breaker for the named collaborator. The event publisher is
// optional; pass nil to disable transition events.
func New(name string, opts Options, logger *slog.Logger, events EventPublisher) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		opts:   opts,
		state:  StateClosed,
		logger: logger,
		events: events,
		now:    time.Now,
	}
}

// Name returns the collaborator name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. If the breaker is open and the reset timeout
// has not elapsed, fn is not invoked and ErrOpen is returned. Each call is
// raced against the configured call timeout; overrunning it is a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		// The timed-out call counts as a failure; whatever fn eventually
		// returns lands in the buffered channel and is discarded.
		err = fmt.Errorf("call to %s: %w", b.name, callCtx.Err())
	}

	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// allow decides whether a call may proceed, moving open → half_open when the
// reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Before(b.nextAttempt) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	b.transition(StateHalfOpen, EventHalfOpen)
	b.successes = 0
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.opts.Threshold {
		b.successes = 0
		b.transition(StateClosed, EventClosed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	if b.state == StateHalfOpen {
		// A failed probe reopens immediately with a fresh reset window.
		b.failures = 0
		b.nextAttempt = b.now().Add(b.opts.ResetTimeout)
		b.transition(StateOpen, EventOpened)
		return
	}

	b.failures++
	if b.failures >= b.opts.Threshold && b.state == StateClosed {
		b.failures = 0
		b.nextAttempt = b.now().Add(b.opts.ResetTimeout)
		b.transition(StateOpen, EventOpened)
	}
}

// transition updates state and emits the observation side effects.
// Caller must hold b.mu.
func (b *Breaker) transition(to State, event string) {
	from := b.state
	b.state = to
	b.logger.Info("circuit breaker state change",
		"breaker", b.name, "from", from.String(), "to", to.String())
	if b.events != nil {
		b.events.Publish(event, map[string]string{"name": b.name, "from": from.String(), "to": to.String()})
	}
}
