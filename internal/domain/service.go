package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubmitRequest describes a download submission.
type SubmitRequest struct {
	URL        string
	Format     string
	CustomName string
	Subtitles  *SubtitleOptions
}

// SubmitResult is returned to the caller after a job is queued, and is the
// payload cached for duplicate submissions.
type SubmitResult struct {
	JobID      string `json:"jobId"`
	DownloadID string `json:"downloadId"`
	Filename   string `json:"filename"`
	Message    string `json:"message,omitempty"`
}

// JobService orchestrates submissions, status, and cancellation.
type JobService struct {
	repo      JobRepository
	cache     ResultCache
	runner    ToolRunner
	scheduler Scheduler
	dataDir   string
	cacheTTL  time.Duration
}

// NewJobService creates a JobService. dataDir is the root under which each
// job's output directory is created, keyed by download id.
func NewJobService(repo JobRepository, cache ResultCache, runner ToolRunner, scheduler Scheduler, dataDir string, cacheTTL time.Duration) *JobService {
	return &JobService{
		repo:      repo,
		cache:     cache,
		runner:    runner,
		scheduler: scheduler,
		dataDir:   dataDir,
		cacheTTL:  cacheTTL,
	}
}

// DownloadCacheKey derives the idempotency key for a queued download.
func DownloadCacheKey(rawURL, format string) string {
	return fmt.Sprintf("download:%s:%s", rawURL, format)
}

// InfoCacheKey derives the cache key for a metadata lookup.
func InfoCacheKey(rawURL string) string {
	return fmt.Sprintf("info:%s", rawURL)
}

// SubmitDownload validates the request, short-circuits on a cached result,
// and otherwise queues a new waiting job. It returns immediately; execution
// happens on the dispatcher.
func (s *JobService) SubmitDownload(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.URL == "" || req.Format == "" {
		return nil, fmt.Errorf("%w: url and format are required", ErrValidation)
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return nil, fmt.Errorf("%w: invalid url", ErrValidation)
	}

	key := DownloadCacheKey(req.URL, req.Format)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached SubmitResult
		if err := json.Unmarshal(raw, &cached); err == nil {
			log.Printf("cache hit for %s with format %s", req.URL, req.Format)
			return &cached, nil
		}
	}

	filename, err := s.resolveFilename(ctx, req)
	if err != nil {
		return nil, err
	}

	downloadID := uuid.NewString()
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Format:     req.Format,
		OutputPath: filepath.Join(s.dataDir, downloadID, filename),
		DownloadID: downloadID,
		Filename:   filename,
		CustomName: req.CustomName,
		Subtitles:  req.Subtitles,
		State:      StateWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.scheduler.Wake()

	result := &SubmitResult{
		JobID:      job.ID,
		DownloadID: downloadID,
		Filename:   filename,
		Message:    "Download added to queue",
	}
	if raw, err := json.Marshal(result); err == nil {
		s.cache.Set(ctx, key, raw, s.cacheTTL)
	}
	log.Printf("job %s: queued %s (format %s)", job.ID, req.URL, req.Format)
	return result, nil
}

// resolveFilename picks the output filename: the custom name with the
// format's first selector token as extension, or the tool's own answer.
func (s *JobService) resolveFilename(ctx context.Context, req SubmitRequest) (string, error) {
	ext := strings.SplitN(req.Format, " ", 2)[0]
	ext = strings.SplitN(ext, "+", 2)[0]
	if req.CustomName != "" {
		return req.CustomName + "." + ext, nil
	}
	name, err := s.runner.ResolveFilename(ctx, req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: resolve filename: %v", ErrToolFailure, err)
	}
	return name, nil
}

// Status returns the current job snapshot.
func (s *JobService) Status(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Cancel removes a job in any state. An active job's subprocess is
// terminated first; the output directory is deleted regardless of how far
// the download had progressed.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State == StateActive {
		s.scheduler.CancelJob(id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if dir := filepath.Dir(job.OutputPath); dir != "." {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("job %s: remove output dir: %v", id, err)
		}
	}
	log.Printf("job %s: cancelled", id)
	return nil
}

// FetchInfo returns media metadata, served from cache when possible.
func (s *JobService) FetchInfo(ctx context.Context, rawURL string) (json.RawMessage, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("%w: invalid url", ErrValidation)
	}

	key := InfoCacheKey(rawURL)
	if raw, ok := s.cache.Get(ctx, key); ok {
		log.Printf("cache hit for info %s", rawURL)
		return raw, nil
	}

	info, err := s.runner.FetchInfo(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolFailure, err)
	}
	s.cache.Set(ctx, key, info, s.cacheTTL)
	return info, nil
}

// ArtifactPath returns the path a completed artifact is served from. The
// directory may have been purged by the janitor; callers treat a missing
// file as not found.
func (s *JobService) ArtifactPath(downloadID, filename string) string {
	return filepath.Join(s.dataDir, downloadID, filename)
}
