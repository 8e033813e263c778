// Package breaker provides a circuit breaker guarding invocations of the
// external media tool. All worker calls share a single breaker instance, so
// a degraded tool stops being spawned at all until it recovers.
package breaker

import (
	"context"
	"log"
	"sync"
	"time"

	"mediaflow/internal/domain"
)

// State is the breaker phase.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Options tunes the breaker thresholds.
type Options struct {
	// FailureThreshold opens the breaker when the failure rate over the
	// rolling window reaches this fraction.
	FailureThreshold float64
	// MinVolume is the minimum calls in the window before the rate is
	// evaluated.
	MinVolume int
	// Window is the trailing period failure/volume counters cover.
	Window time.Duration
	// ResetTimeout is how long the breaker stays open before admitting a
	// single half-open probe.
	ResetTimeout time.Duration
	// CallTimeout caps each protected call; exceeding it counts as a
	// failure.
	CallTimeout time.Duration
}

// DefaultOptions matches the service defaults: open at 50% failures over at
// least 5 calls in 10s, probe after 30s, 5 minute call ceiling.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 0.5,
		MinVolume:        5,
		Window:           10 * time.Second,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      5 * time.Minute,
	}
}

type sample struct {
	at      time.Time
	failure bool
}

// Breaker is a closed/open/half-open circuit breaker.
type Breaker struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	state    State
	samples  []sample
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	return &Breaker{opts: opts, now: time.Now, state: StateClosed}
}

// State returns the current phase.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked folds the reset timeout into the reported state.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. When open, fn is not invoked and
// domain.ErrCircuitOpen is returned immediately. A call exceeding the call
// timeout counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if ctx.Err() != nil {
		// The caller went away mid-call. That says nothing about the
		// tool's health, so no verdict is recorded.
		b.abandon()
		return err
	}
	if callCtx.Err() == context.DeadlineExceeded {
		err = callCtx.Err()
	}

	b.record(err)
	return err
}

// abandon releases the half-open probe slot without recording a verdict.
func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// admit decides whether a call may proceed, claiming the single half-open
// probe slot when applicable.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return domain.ErrCircuitOpen
		}
		if b.state != StateHalfOpen {
			log.Printf("breaker: half-open, probing external tool")
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	default:
		return domain.ErrCircuitOpen
	}
}

// record updates counters and transitions state after a permitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil

	if b.state == StateHalfOpen {
		b.probing = false
		if failed {
			b.state = StateOpen
			b.openedAt = b.now()
			log.Printf("breaker: probe failed, reopening")
		} else {
			b.state = StateClosed
			b.samples = nil
			log.Printf("breaker: probe succeeded, closed")
		}
		return
	}

	now := b.now()
	b.samples = append(b.samples, sample{at: now, failure: failed})
	b.trim(now)

	total, failures := 0, 0
	for _, s := range b.samples {
		total++
		if s.failure {
			failures++
		}
	}
	if total >= b.opts.MinVolume && float64(failures)/float64(total) >= b.opts.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.samples = nil
		log.Printf("breaker: open, rejecting external tool calls (%d/%d failures)", failures, total)
	}
}

// trim discards samples that fell out of the rolling window.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	keep := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	b.samples = keep
}
