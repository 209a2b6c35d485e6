// Package runner executes one wrapped batch run: announce the start,
// lock the config file read-only, hand it to the configured program,
// restore the permissions no matter what happened, and announce the end.
package runner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/saworbit/batchkeeper/internal/metrics"
	"github.com/saworbit/batchkeeper/pkg/config"
	"github.com/saworbit/batchkeeper/pkg/joblock"
	"github.com/saworbit/batchkeeper/pkg/journal"
	"github.com/saworbit/batchkeeper/pkg/jobspec"
	"github.com/saworbit/batchkeeper/pkg/snapshot"
	"github.com/saworbit/batchkeeper/pkg/watch"
)

// Result summarizes a finished wrapper run.
type Result struct {
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	// ExitCode is the child's exit code, -1 when it never ran.
	ExitCode     int
	Outcome      string
	Restored     bool
	SnapshotRoot string
}

// Runner wires the collaborators a wrapped run needs. Journal and Store
// are optional; without them runs still execute but leave no history.
type Runner struct {
	Config  config.KeeperConfig
	Journal *journal.Journal
	Store   *snapshot.Store

	// Stdout and Stderr default to the process streams. The start and
	// end announcements go to Stdout along with the child's output.
	Stdout io.Writer
	Stderr io.Writer
}

// New returns a runner for the given configuration.
func New(cfg config.KeeperConfig, j *journal.Journal, store *snapshot.Store) *Runner {
	return &Runner{Config: cfg, Journal: j, Store: store}
}

// Run executes the full wrap sequence for one job. The restore step runs
// unconditionally once the config was locked, and the end announcement
// prints even when an earlier step failed.
//
// With the propagate policy every step failure surfaces in the returned
// error. With the restore policy the child's failure is journaled but
// only a failed restore makes Run return an error; the Result still
// carries the truthful outcome either way.
func (r *Runner) Run(ctx context.Context, spec *jobspec.Spec) (Result, error) {
	started := time.Now()
	res := Result{
		Job:       spec.Name,
		StartedAt: started,
		ExitCode:  -1,
	}

	// The announcement format mirrors the shell's $(date).
	fmt.Fprintf(r.stdout(), "starting %s: %s\n", spec.Name, started.Format(time.UnixDate))

	r.captureSnapshot(spec, &res)

	guard, err := joblock.Lock(spec.ConfigPath, r.Config.LockMode, r.Config.RestoreMode)
	if err != nil {
		res.Outcome = journal.OutcomeLockFailed
		lockErr := fmt.Errorf("lock %s: %w", spec.ConfigPath, err)
		r.finish(spec, &res, lockErr)
		return res, lockErr
	}
	metrics.ObserveLockTransition("locked")

	// Watch only between lock and restore so the wrapper's own chmod
	// calls stay out of the tamper log.
	var monitor *watch.Monitor
	if r.Config.WatchEnabled && r.Journal != nil {
		monitor, err = watch.Start(r.Journal, spec.Name, guard.Path(), func(op string) {
			metrics.ObserveTamper(spec.Name, op)
		})
		if err != nil {
			log.Printf("[Runner] tamper watch unavailable for %s: %v", spec.ConfigPath, err)
			monitor = nil
		}
	}

	exitCode, childErr := r.runChild(ctx, spec)
	res.ExitCode = exitCode

	if err := monitor.Stop(); err != nil {
		log.Printf("[Runner] tamper watch shutdown: %v", err)
	}

	restoreErr := guard.Restore()
	if restoreErr == nil {
		res.Restored = true
		metrics.ObserveLockTransition("restored")
	} else {
		metrics.RestoreFailures.Inc()
	}

	runErr := r.resolve(&res, childErr, restoreErr)
	r.finish(spec, &res, runErr)

	if r.Config.FailurePolicy == config.PolicyRestore {
		if restoreErr != nil {
			return res, fmt.Errorf("restore %s: %w", spec.ConfigPath, restoreErr)
		}
		return res, nil
	}

	return res, runErr
}

// resolve folds the child and restore outcomes into the result and
// returns the combined error. The child's failure is primary.
func (r *Runner) resolve(res *Result, childErr, restoreErr error) error {
	switch {
	case childErr != nil && restoreErr != nil:
		res.Outcome = journal.OutcomeChildFailed
		return fmt.Errorf("program failed: %w; restore failed: %w", childErr, restoreErr)
	case childErr != nil:
		res.Outcome = journal.OutcomeChildFailed
		return fmt.Errorf("program failed: %w", childErr)
	case restoreErr != nil:
		res.Outcome = journal.OutcomeRestoreFailed
		return fmt.Errorf("restore config mode: %w", restoreErr)
	default:
		res.Outcome = journal.OutcomeSucceeded
		return nil
	}
}

// finish prints the end announcement and records the run.
func (r *Runner) finish(spec *jobspec.Spec, res *Result, runErr error) {
	res.FinishedAt = time.Now()
	fmt.Fprintf(r.stdout(), "ending %s: %s\n", res.Job, res.FinishedAt.Format(time.UnixDate))

	metrics.ObserveRun(res.StartedAt, res.Job, res.Outcome)

	if r.Journal == nil {
		return
	}

	rec := journal.RunRecord{
		Job:          res.Job,
		StartedAt:    res.StartedAt.UnixNano(),
		FinishedAt:   res.FinishedAt.UnixNano(),
		Command:      spec.Command(),
		ConfigPath:   spec.ConfigPath,
		Policy:       r.Config.FailurePolicy,
		ExitCode:     res.ExitCode,
		Outcome:      res.Outcome,
		Restored:     res.Restored,
		SnapshotRoot: res.SnapshotRoot,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := r.Journal.RecordRun(rec); err != nil {
		log.Printf("[Runner] failed to record run for %s: %v", res.Job, err)
	}
}

// captureSnapshot stores a pre-run copy of the config file. Failures are
// logged, not fatal: a run must not abort because history is unavailable.
func (r *Runner) captureSnapshot(spec *jobspec.Spec, res *Result) {
	if r.Store == nil || !r.Config.SnapshotsEnabled {
		return
	}

	data, err := os.ReadFile(spec.ConfigPath)
	if err != nil {
		log.Printf("[Runner] cannot snapshot %s: %v", spec.ConfigPath, err)
		return
	}

	snapStart := time.Now()
	m, err := r.Store.Capture(spec.Name, data)
	if err != nil {
		metrics.ObserveSnapshot(snapStart, spec.Name, "error")
		log.Printf("[Runner] snapshot failed for %s: %v", spec.ConfigPath, err)
		return
	}
	metrics.ObserveSnapshot(snapStart, spec.Name, "success")

	res.SnapshotRoot = hex.EncodeToString(m.Root)

	if r.Journal != nil {
		if err := r.Journal.AppendSnapshot(spec.Name, m); err != nil {
			log.Printf("[Runner] failed to journal snapshot for %s: %v", spec.Name, err)
		}
	}
}

// runChild invokes the configured program synchronously with the config
// path as its only argument. The child inherits the wrapper's
// environment plus the job's extra variables; export_env only shapes the
// rendered batch script.
func (r *Runner) runChild(ctx context.Context, spec *jobspec.Spec) (int, error) {
	args := spec.Command()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = r.stdout()
	cmd.Stderr = r.stderr()
	cmd.Stdin = os.Stdin

	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		env := os.Environ()
		for _, k := range keys {
			env = append(env, k+"="+spec.Env[k])
		}
		cmd.Env = env
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return code, fmt.Errorf("%s exited with code %d", args[0], code)
	}

	return -1, fmt.Errorf("start %s: %w", args[0], err)
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}
