// Package worker executes a single download job on its own goroutine,
// isolated from the dispatcher's control path. Dispatcher and worker
// communicate only through typed messages: zero or more progress messages
// followed by exactly one terminal message per execution attempt.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mediaflow/internal/breaker"
	"mediaflow/internal/domain"
)

// MessageType classifies worker messages.
type MessageType string

const (
	MessageProgress MessageType = "progress"
	MessageResult   MessageType = "result"
	MessageError    MessageType = "error"
)

// Message is one update from a worker to the dispatcher.
type Message struct {
	Type     MessageType
	JobID    string
	Progress float64
	Result   *domain.Result
	Err      error
}

// Worker drives the external tool for one job at a time.
type Worker struct {
	runner  domain.ToolRunner
	breaker *breaker.Breaker
}

// New creates a worker invoking runner through the shared breaker.
func New(runner domain.ToolRunner, b *breaker.Breaker) *Worker {
	return &Worker{runner: runner, breaker: b}
}

// Execute runs the job and returns its message stream. The returned channel
// is closed after the terminal message. If ctx is cancelled the subprocess
// is terminated and no further messages are emitted; the channel simply
// closes.
func (w *Worker) Execute(ctx context.Context, job *domain.Job) <-chan Message {
	out := make(chan Message, 8)
	go func() {
		defer close(out)
		w.run(ctx, job, out)
	}()
	return out
}

func (w *Worker) run(ctx context.Context, job *domain.Job, out chan<- Message) {
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		w.terminal(ctx, out, Message{
			Type:  MessageError,
			JobID: job.ID,
			Err:   fmt.Errorf("%w: create output dir: %v", domain.ErrToolFailure, err),
		})
		return
	}

	err := w.breaker.Do(ctx, func(callCtx context.Context) error {
		return w.runner.Download(callCtx, job, func(pct float64) {
			// Progress is best-effort: drop the tick rather than
			// block subprocess I/O on a slow consumer.
			select {
			case out <- Message{Type: MessageProgress, JobID: job.ID, Progress: pct}:
			default:
			}
		})
	})

	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			w.terminal(ctx, out, Message{Type: MessageError, JobID: job.ID, Err: err})
			return
		}
		w.terminal(ctx, out, Message{
			Type:  MessageError,
			JobID: job.ID,
			Err:   fmt.Errorf("%w: %v", domain.ErrToolFailure, err),
		})
		return
	}

	info, err := os.Stat(job.OutputPath)
	if err != nil {
		w.terminal(ctx, out, Message{
			Type:  MessageError,
			JobID: job.ID,
			Err:   fmt.Errorf("%w: stat output: %v", domain.ErrToolFailure, err),
		})
		return
	}

	w.terminal(ctx, out, Message{
		Type:   MessageResult,
		JobID:  job.ID,
		Result: &domain.Result{OutputPath: job.OutputPath, FileSize: info.Size()},
	})
}

// terminal sends the final message unless the job was cancelled, in which
// case nothing further may be emitted for it.
func (w *Worker) terminal(ctx context.Context, out chan<- Message, msg Message) {
	if ctx.Err() != nil {
		return
	}
	out <- msg
}
