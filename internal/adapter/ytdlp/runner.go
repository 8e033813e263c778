// Package ytdlp adapts the external yt-dlp command line tool. The tool is
// treated as an opaque subprocess: observed only through its exit code and
// textual stdout.
package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"mediaflow/internal/domain"
)

var progressPattern = regexp.MustCompile(`(\d+(\.\d+)?)%`)

// Runner implements domain.ToolRunner by spawning the configured binary.
type Runner struct {
	binary string
}

// New creates a runner for the given tool binary (usually "yt-dlp").
func New(binary string) *Runner {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Runner{binary: binary}
}

// DownloadArgs builds the tool's argument list for a job.
func DownloadArgs(job *domain.Job) []string {
	args := []string{
		"-f", job.Format,
		"-o", job.OutputPath,
		"--no-simulate",
	}
	if job.Subtitles != nil && job.Subtitles.Language != "" {
		args = append(args, "--write-sub", "--sub-lang", job.Subtitles.Language)
		if job.Subtitles.Format == "srt" {
			args = append(args, "--convert-subs", "srt")
		}
	}
	return append(args, job.URL)
}

// Download runs the tool for the job and reports each progress percentage
// observed on stdout. Progress reporting is lossy; only the exit code
// decides the outcome. Cancelling ctx terminates the subprocess.
func (r *Runner) Download(ctx context.Context, job *domain.Job, onProgress func(float64)) error {
	cmd := exec.CommandContext(ctx, r.binary, DownloadArgs(job)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", r.binary, err)
	}

	go drainErrors(job.ID, stderr)
	scanProgress(stdout, onProgress)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s failed: %w", r.binary, err)
	}
	return nil
}

// scanProgress reads stdout line-wise and emits any percentage tokens.
func scanProgress(stdout io.Reader, onProgress func(float64)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanChunks)
	for scanner.Scan() {
		match := progressPattern.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		if pct, err := strconv.ParseFloat(match[1], 64); err == nil && onProgress != nil {
			onProgress(pct)
		}
	}
}

// scanChunks splits on either newline or carriage return, since the tool
// redraws its progress line with \r.
func scanChunks(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func drainErrors(jobID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Printf("job %s: tool: %s", jobID, scanner.Text())
	}
}

// FetchInfo retrieves media metadata as the tool's JSON dump.
func (r *Runner) FetchInfo(ctx context.Context, url string) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, r.binary, "-J", url)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s -J failed: %w", r.binary, err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%s returned invalid metadata", r.binary)
	}
	return json.RawMessage(out), nil
}

// ResolveFilename asks the tool for the output filename without downloading.
func (r *Runner) ResolveFilename(ctx context.Context, url string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary,
		"--skip-download", "--print", "filename", "-o", "%(title)s.%(ext)s", url)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s print filename failed: %w", r.binary, err)
	}
	name := strings.TrimSpace(string(out))
	if name == "" {
		return "", fmt.Errorf("%s returned empty filename", r.binary)
	}
	return name, nil
}

// Stream pipes the tool's media output directly to w. This path bypasses
// the durable queue entirely.
func (r *Runner) Stream(ctx context.Context, url, format string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, r.binary,
		"-f", format,
		"-o", "-",
		"--no-cache-dir",
		"--no-simulate",
		url)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s stream failed: %w", r.binary, err)
	}
	return nil
}
