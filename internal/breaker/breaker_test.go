package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediaflow/internal/domain"
)

func testOptions() Options {
	return Options{
		FailureThreshold: 0.5,
		MinVolume:        5,
		Window:           10 * time.Second,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      time.Minute,
	}
}

func testBreaker(now *time.Time) *Breaker {
	b := New(testOptions())
	b.now = func() time.Time { return *now }
	return b
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_StaysClosedUnderMinVolume(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q (below min volume)", got, StateClosed)
	}
}

func TestBreaker_OpensAtFailureRate(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, fail)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}

	// Open breaker rejects without invoking the operation.
	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Do() error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("operation invoked while open")
	}
}

func TestBreaker_MixedCallsBelowThresholdStayClosed(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	// 2 failures out of 6 is under the 50% threshold.
	for i := 0; i < 4; i++ {
		b.Do(ctx, succeed)
	}
	b.Do(ctx, fail)
	b.Do(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, fail)
	}

	now = now.Add(31 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() after reset timeout = %q, want %q", got, StateHalfOpen)
	}

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe Do() error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() after successful probe = %q, want %q", got, StateClosed)
	}

	// Counters were reset; a single failure must not reopen.
	b.Do(ctx, fail)
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, fail)
	}

	now = now.Add(31 * time.Second)
	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe Do() error = %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State() after failed probe = %q, want %q", got, StateOpen)
	}

	// The reset timeout restarted: still rejecting before it elapses.
	now = now.Add(29 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Do() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SingleHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, fail)
	}
	now = now.Add(31 * time.Second)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go b.Do(ctx, func(context.Context) error {
		close(probeStarted)
		<-release
		return nil
	})
	<-probeStarted

	// While the probe is in flight, further calls are rejected.
	if err := b.Do(ctx, succeed); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("concurrent Do() error = %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}

	// Old failures age out of the rolling window.
	now = now.Add(11 * time.Second)
	b.Do(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q (stale samples trimmed)", got, StateClosed)
	}
}

func TestBreaker_CancelledCallsAreNotFailures(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A burst of caller cancellations must not wear the breaker down.
	for i := 0; i < 10; i++ {
		if err := b.Do(ctx, func(callCtx context.Context) error {
			<-callCtx.Done()
			return callCtx.Err()
		}); !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() error = %v, want Canceled", err)
		}
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
	b.mu.Lock()
	samples := len(b.samples)
	b.mu.Unlock()
	if samples != 0 {
		t.Errorf("samples = %d, want 0 (cancellations are not verdicts)", samples)
	}
}

func TestBreaker_CancelledProbeReleasesSlot(t *testing.T) {
	now := time.Now()
	b := testBreaker(&now)

	for i := 0; i < 5; i++ {
		b.Do(context.Background(), fail)
	}
	now = now.Add(31 * time.Second)

	// The probe is cancelled by its caller; the slot must free up so the
	// next call can probe instead of being rejected.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Do(ctx, func(callCtx context.Context) error {
		<-callCtx.Done()
		return callCtx.Err()
	})

	invoked := false
	if err := b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("Do() after abandoned probe error = %v", err)
	}
	if !invoked {
		t.Fatal("probe not invoked after abandoned slot")
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	now := time.Now()
	opts := testOptions()
	opts.CallTimeout = 10 * time.Millisecond
	b := New(opts)
	b.now = func() time.Time { return now }

	ctx := context.Background()
	err := b.Do(ctx, func(callCtx context.Context) error {
		<-callCtx.Done()
		return callCtx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() error = %v, want DeadlineExceeded", err)
	}

	b.mu.Lock()
	samples := len(b.samples)
	failures := 0
	for _, s := range b.samples {
		if s.failure {
			failures++
		}
	}
	b.mu.Unlock()
	if samples != 1 || failures != 1 {
		t.Errorf("samples = %d, failures = %d, want 1/1", samples, failures)
	}
}
