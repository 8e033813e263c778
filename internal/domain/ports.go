package domain

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// JobRepository is the driven port for durable job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// NextWaiting returns the oldest waiting job whose backoff gate has
	// passed, or ErrJobNotFound if none is due.
	NextWaiting(ctx context.Context, now time.Time) (*Job, error)
	// Claim transitions a waiting job to active and increments attempts.
	Claim(ctx context.Context, id string) error
	// SetProgress raises the recorded progress; lower values are ignored.
	SetProgress(ctx context.Context, id string, progress float64) error
	Complete(ctx context.Context, id string, result Result) error
	Fail(ctx context.Context, id string, reason string) error
	// Retry moves an active job back to waiting, gated until notBefore.
	Retry(ctx context.Context, id string, reason string, notBefore time.Time) error
	// Release returns an active job to waiting without consuming the
	// attempt, used when the circuit breaker refused the execution.
	Release(ctx context.Context, id string, reason string, notBefore time.Time) error
	Delete(ctx context.Context, id string) error
	// RecoverStale resets active jobs back to waiting (crash recovery).
	RecoverStale(ctx context.Context) (int64, error)
	// CountByState reports how many jobs currently hold the state.
	CountByState(ctx context.Context, state JobState) (int64, error)
}

// ResultCache is a best-effort TTL key/value store. Implementations log
// backend failures and report them as a miss or ignored write; they never
// surface as errors to the caller.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Decision is a rate limiter verdict.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter admits or denies a request per (endpoint class, client key).
type RateLimiter interface {
	Allow(ctx context.Context, class string, clientKey string) Decision
}

// ToolRunner is the driven port for the external media-fetching tool.
type ToolRunner interface {
	// Download runs the tool for the job, reporting progress percentages
	// as they are observed on stdout.
	Download(ctx context.Context, job *Job, onProgress func(float64)) error
	// FetchInfo retrieves media metadata as raw JSON.
	FetchInfo(ctx context.Context, url string) (json.RawMessage, error)
	// ResolveFilename asks the tool for the output filename without
	// downloading anything.
	ResolveFilename(ctx context.Context, url string) (string, error)
	// Stream pipes the tool's media output directly to w.
	Stream(ctx context.Context, url, format string, w io.Writer) error
}

// Scheduler is the driving port the service uses to reach the dispatcher.
type Scheduler interface {
	// Wake nudges the dispatch loop after new work arrives.
	Wake()
	// CancelJob stops the worker executing the job, if any.
	CancelJob(id string)
}
