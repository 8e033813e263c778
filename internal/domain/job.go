package domain

import "time"

// JobState represents the lifecycle state of a download job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// SubtitleOptions requests subtitle download alongside the media.
type SubtitleOptions struct {
	Language string `json:"language"`
	Format   string `json:"format,omitempty"`
}

// Result holds the outcome of a completed download.
type Result struct {
	OutputPath string `json:"outputPath"`
	FileSize   int64  `json:"fileSize"`
}

// Job represents one queued media download.
type Job struct {
	ID         string
	URL        string
	Format     string
	OutputPath string
	DownloadID string
	Filename   string
	CustomName string
	Subtitles  *SubtitleOptions
	State      JobState
	Attempts   int
	Progress   float64
	Result     *Result
	Error      string
	NotBefore  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanRetry returns true if the job has attempts left.
func (j *Job) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts && j.State != StateCompleted
}

// ValidTransition reports whether a state change is allowed.
// Active may return to waiting only as part of a retry.
func ValidTransition(from, to JobState) bool {
	switch from {
	case StateWaiting:
		return to == StateActive
	case StateActive:
		return to == StateCompleted || to == StateFailed || to == StateWaiting
	default:
		return false
	}
}
