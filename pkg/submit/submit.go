// Package submit hands rendered batch scripts to the cluster queue.
package submit

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Submitter queues a batch script and returns the scheduler's job id.
type Submitter interface {
	Submit(ctx context.Context, scriptPath string) (string, error)
}

// QsubSubmitter submits scripts with the PBS qsub command. Transient
// rejections, a full queue for example, are retried with a fixed delay.
type QsubSubmitter struct {
	// Command is the qsub binary to invoke.
	Command string
	// Retries is how many extra attempts follow a rejected submission.
	Retries int
	// Delay is the pause between attempts.
	Delay time.Duration
}

// NewQsubSubmitter returns a submitter for the given qsub binary.
func NewQsubSubmitter(command string, retries int, delay time.Duration) *QsubSubmitter {
	if command == "" {
		command = "qsub"
	}
	return &QsubSubmitter{
		Command: command,
		Retries: retries,
		Delay:   delay,
	}
}

// Submit queues the script and returns the job id printed by the
// scheduler. The command runs from the script's directory so relative
// paths inside the script resolve the way qsub users expect.
func (q *QsubSubmitter) Submit(ctx context.Context, scriptPath string) (string, error) {
	dir := filepath.Dir(scriptPath)
	base := filepath.Base(scriptPath)

	delay := q.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= q.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		cmd := exec.CommandContext(ctx, q.Command, base)
		cmd.Dir = dir

		out, err := cmd.Output()
		if err != nil {
			lastErr = submissionError(q.Command, base, err)
			continue
		}

		id := ParseJobID(string(out))
		if id == "" {
			// Unparseable output will not improve on retry.
			return "", fmt.Errorf("no job id in %s output %q", q.Command, strings.TrimSpace(string(out)))
		}

		return id, nil
	}

	return "", fmt.Errorf("submission failed after %d attempts: %w", q.Retries+1, lastErr)
}

// ParseJobID extracts the job identifier from scheduler output. PBS
// prints the bare id ("3125.maple") while Slurm wraps it in a sentence
// ("Submitted batch job 49229449"), so the last whitespace field wins.
func ParseJobID(output string) string {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func submissionError(command, script string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%s %s: %w: %s", command, script, err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Errorf("%s %s: %w", command, script, err)
}
