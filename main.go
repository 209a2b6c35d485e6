package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/saworbit/batchkeeper/internal/metrics"
	"github.com/saworbit/batchkeeper/internal/version"
	"github.com/saworbit/batchkeeper/pkg/archive"
	"github.com/saworbit/batchkeeper/pkg/chunk"
	"github.com/saworbit/batchkeeper/pkg/config"
	"github.com/saworbit/batchkeeper/pkg/delta"
	"github.com/saworbit/batchkeeper/pkg/jobspec"
	"github.com/saworbit/batchkeeper/pkg/journal"
	"github.com/saworbit/batchkeeper/pkg/runner"
	"github.com/saworbit/batchkeeper/pkg/snapshot"
	"github.com/saworbit/batchkeeper/pkg/submit"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var child *childExitError
		if errors.As(err, &child) {
			os.Exit(child.Code)
		}
		log.Fatal(err)
	}
}

// childExitError carries the analysis program's exit code up to main so
// the wrapper process exits with the same status the program did.
type childExitError struct {
	Code int
	Err  error
}

func (e *childExitError) Error() string { return e.Err.Error() }
func (e *childExitError) Unwrap() error { return e.Err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "batchkeeper",
		Short:        "BatchKeeper - PBS batch run wrapper",
		Version:      version.Version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newRunCmd(),
		newScriptCmd(),
		newSubmitCmd(),
		newHistoryCmd(),
		newVerifyCmd(),
		newExportCmd(),
		newImportCmd(),
		newGCCmd(),
		newStatsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wrapper version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}

func newRunCmd() *cobra.Command {
	var jobFile string
	var jobName string
	var interpreter string
	var dataDir string
	var policy string
	var lockMode string
	var restoreMode string
	var metricsAddr string
	var noSnapshot bool
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run <program> <config file>",
		Short: "Run an analysis program with its configuration locked read-only",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if policy != "" {
				cfg.FailurePolicy = policy
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("interpreter") {
				cfg.Interpreter = interpreter
			}
			if lockMode != "" {
				m, err := config.ParseMode(lockMode)
				if err != nil {
					return err
				}
				cfg.LockMode = m
			}
			if restoreMode != "" {
				m, err := config.ParseMode(restoreMode)
				if err != nil {
					return err
				}
				cfg.RestoreMode = m
			}
			if noSnapshot {
				cfg.SnapshotsEnabled = false
			}
			if noWatch {
				cfg.WatchEnabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			spec, err := resolveSpec(cfg, jobFile, jobName, args)
			if err != nil {
				return err
			}

			return runRun(cfg, spec)
		},
	}

	cmd.Flags().StringVar(&jobFile, "job-file", "", "Job file describing the run instead of positional arguments")
	cmd.Flags().StringVar(&jobName, "job", "", "Job name for journal keys and log lines")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "Interpreter placed in front of the program, empty to execute it directly")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	cmd.Flags().StringVar(&policy, "policy", "", "Failure policy: propagate or restore")
	cmd.Flags().StringVar(&lockMode, "lock-mode", "", "Octal mode applied to the config file during the run")
	cmd.Flags().StringVar(&restoreMode, "restore-mode", "", "Octal mode restored after the run")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Listen address for the Prometheus endpoint")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "Skip capturing the config file into the snapshot store")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Skip watching the config file for writes during the run")
	return cmd
}

// resolveSpec builds the job from a job file or from the positional
// program and config arguments. Flags win over the file for the name;
// the keeper config supplies the interpreter on the positional path.
func resolveSpec(cfg *config.KeeperConfig, jobFile, jobName string, args []string) (*jobspec.Spec, error) {
	if jobFile != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("positional arguments conflict with --job-file")
		}
		spec, err := jobspec.Load(jobFile)
		if err != nil {
			return nil, err
		}
		if jobName != "" {
			spec.Name = jobName
		}
		return spec, nil
	}

	if len(args) != 2 {
		return nil, fmt.Errorf("expected <program> <config file> arguments")
	}

	spec := jobspec.Default()
	spec.Interpreter = cfg.Interpreter
	spec.Program = args[0]
	spec.ConfigPath = args[1]
	spec.Name = jobName
	if spec.Name == "" {
		base := filepath.Base(args[0])
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	spec.OutputFile = spec.Name + ".out"

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

func runRun(cfg *config.KeeperConfig, spec *jobspec.Spec) error {
	// PBS sends SIGTERM ahead of SIGKILL when a job exceeds its
	// walltime; treating it as cancellation kills the program but still
	// restores the config file's permissions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	stopProcessor := journal.StartProcessor(b.journal, b.store, b.engine)

	metrics.SetWrapperInfo(runtime.GOOS, runtime.GOARCH, version.Version, "pbs")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, log.Default()); err != nil {
				log.Printf("[Metrics] endpoint stopped: %v", err)
			}
		}()
	}

	r := runner.New(*cfg, b.journal, b.store)
	res, runErr := r.Run(ctx, spec)

	stopProcessor()
	metrics.SetUp(false)
	if err := journal.Drain(b.journal, b.store, b.engine); err != nil {
		log.Printf("[run] drain journal: %v", err)
	}
	publishStoreSize(b.store)

	if flushErr := b.db.Flush(); flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	if runErr != nil && res.ExitCode > 0 {
		return &childExitError{Code: res.ExitCode, Err: runErr}
	}
	return runErr
}

func newScriptCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "script <job file>",
		Short: "Render the PBS submission script for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(args[0], outPath)
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Write the script to this file instead of stdout")
	return cmd
}

func runScript(jobPath, outPath string) error {
	spec, err := jobspec.Load(jobPath)
	if err != nil {
		return err
	}

	if outPath != "" {
		return spec.WriteScript(outPath)
	}

	script, err := spec.Script()
	if err != nil {
		return err
	}

	fmt.Print(script)
	return nil
}

func newSubmitCmd() *cobra.Command {
	var keepScript bool

	cmd := &cobra.Command{
		Use:   "submit <job file>",
		Short: "Render a job's submission script and hand it to the scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(args[0], keepScript)
		},
	}

	cmd.Flags().BoolVar(&keepScript, "keep-script", false, "Leave the rendered script next to the job file")
	return cmd
}

func runSubmit(jobPath string, keepScript bool) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	spec, err := jobspec.Load(jobPath)
	if err != nil {
		return err
	}

	scriptPath := filepath.Join(filepath.Dir(jobPath), spec.Name+".sh")
	if err := spec.WriteScript(scriptPath); err != nil {
		return err
	}
	if !keepScript {
		defer os.Remove(scriptPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := submit.NewQsubSubmitter(cfg.QsubPath, cfg.SubmitRetries, cfg.SubmitRetryDelay)
	jobID, err := sub.Submit(ctx, scriptPath)
	metrics.ObserveSubmission(err == nil)
	if err != nil {
		return err
	}

	fmt.Println(jobID)
	return nil
}

func newHistoryCmd() *cobra.Command {
	var dataDir string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history [job]",
		Short: "List recorded runs, snapshots and tamper events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := ""
			if len(args) == 1 {
				job = args[0]
			}
			return runHistory(dataDirConfig(dataDir), job, asJSON)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the history as JSON")
	return cmd
}

func runHistory(cfg *config.KeeperConfig, job string, asJSON bool) error {
	b, err := openBackend(cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()

	runs, err := b.journal.Runs(job)
	if err != nil {
		return fmt.Errorf("read runs: %w", err)
	}
	snaps, err := b.journal.Snapshots(job)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	tampers, err := b.journal.Tampers(job)
	if err != nil {
		return fmt.Errorf("read tampers: %w", err)
	}

	if asJSON {
		payload := struct {
			Runs      []journal.RunRecord      `json:"runs"`
			Snapshots []journal.SnapshotRecord `json:"snapshots"`
			Tampers   []journal.TamperRecord   `json:"tampers"`
		}{runs, snaps, tampers}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	if len(runs)+len(snaps)+len(tampers) == 0 {
		if job == "" {
			fmt.Println("no history recorded")
		} else {
			fmt.Printf("no history recorded for job %s\n", job)
		}
		return nil
	}

	for _, rec := range runs {
		fmt.Printf("run      %s  %s  %-14s exit=%d restored=%t policy=%s (%s)\n",
			rec.Job,
			time.Unix(0, rec.StartedAt).Format(time.RFC3339),
			rec.Outcome,
			rec.ExitCode,
			rec.Restored,
			rec.Policy,
			rec.Duration().Round(time.Millisecond),
		)
		if rec.Error != "" {
			fmt.Printf("         error: %s\n", rec.Error)
		}
	}

	for _, rec := range snaps {
		fmt.Printf("snapshot %s  %s  %d chunks  %s",
			rec.Job,
			time.Unix(0, rec.Timestamp).Format(time.RFC3339),
			len(rec.Manifest.CIDs),
			humanize.Bytes(uint64(rec.Manifest.Size)),
		)
		if d := rec.Delta; d != nil {
			fmt.Printf("  delta=%s patch=%s ratio=%.2f",
				d.Algorithm, humanize.Bytes(uint64(d.PatchSize)), d.Ratio)
		}
		fmt.Println()
	}

	for _, rec := range tampers {
		fmt.Printf("tamper   %s  %s  %s %s\n",
			rec.Job,
			time.Unix(0, rec.Timestamp).Format(time.RFC3339),
			rec.Op,
			rec.Path,
		)
	}

	return nil
}

func newVerifyCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "verify <job>",
		Short: "Check a job's snapshots against their content hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(dataDirConfig(dataDir), args[0])
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	return cmd
}

func runVerify(cfg *config.KeeperConfig, job string) error {
	b, err := openBackend(cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()

	snaps, err := b.journal.Snapshots(job)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return fmt.Errorf("no snapshots recorded for job %s", job)
	}

	failed := 0
	for _, rec := range snaps {
		ts := time.Unix(0, rec.Timestamp).Format(time.RFC3339)
		if err := b.store.Verify(rec.Manifest); err != nil {
			failed++
			fmt.Printf("%s  FAIL  %v\n", ts, err)
			continue
		}
		fmt.Printf("%s  ok  %d chunks  %s\n", ts, len(rec.Manifest.CIDs), humanize.Bytes(uint64(rec.Manifest.Size)))
	}

	tampers, err := b.journal.Tampers(job)
	if err != nil {
		return fmt.Errorf("read tampers: %w", err)
	}
	if len(tampers) > 0 {
		fmt.Printf("%d tamper events recorded while the config was locked\n", len(tampers))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed verification", failed, len(snaps))
	}
	return nil
}

func newExportCmd() *cobra.Command {
	var dataDir string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <job>",
		Short: "Pack a job's history and snapshot chunks into a tar.xz archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(dataDirConfig(dataDir), args[0], outPath)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	cmd.Flags().StringVar(&outPath, "out", "", "Archive file to write, defaults to <job>.tar.xz")
	return cmd
}

func runExport(cfg *config.KeeperConfig, job, outPath string) error {
	if outPath == "" {
		outPath = job + ".tar.xz"
	}

	b, err := openBackend(cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	// Fold any events a crashed run left behind, so the archive holds
	// the complete history.
	if err := journal.Drain(b.journal, b.store, b.engine); err != nil {
		return fmt.Errorf("drain journal: %w", err)
	}

	header, err := archive.ExportFile(outPath, b.journal, b.store, job)
	if err != nil {
		return err
	}

	fmt.Printf("exported %d runs, %d snapshots, %d tampers, %d chunks to %s\n",
		header.Runs, header.Snapshots, header.Tampers, header.Blobs, outPath)
	return nil
}

func newImportCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "import <archive>",
		Short: "Merge an exported history archive into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(dataDirConfig(dataDir), args[0])
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	return cmd
}

func runImport(cfg *config.KeeperConfig, path string) error {
	b, err := openBackend(cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	header, err := archive.ImportFile(path, b.journal, b.store)
	if err != nil {
		return err
	}

	if err := b.db.Flush(); err != nil {
		return fmt.Errorf("flush database: %w", err)
	}

	fmt.Printf("imported job %s: %d runs, %d snapshots, %d tampers, %d chunks\n",
		header.Job, header.Runs, header.Snapshots, header.Tampers, header.Blobs)
	return nil
}

func newGCCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete snapshot chunks no job references anymore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(dataDirConfig(dataDir))
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	return cmd
}

func runGC(cfg *config.KeeperConfig) error {
	b, err := openBackend(cfg, false)
	if err != nil {
		return err
	}
	defer b.Close()

	removed, err := b.store.GarbageCollect()
	if err != nil {
		return fmt.Errorf("garbage collect: %w", err)
	}
	publishStoreSize(b.store)

	if err := b.db.Flush(); err != nil {
		return fmt.Errorf("flush database: %w", err)
	}

	fmt.Printf("removed %d unreferenced chunks\n", removed)
	return nil
}

func newStatsCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot store and journal statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(dataDirConfig(dataDir))
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the journal and snapshot store")
	return cmd
}

func runStats(cfg *config.KeeperConfig) error {
	b, err := openBackend(cfg, true)
	if err != nil {
		return err
	}
	defer b.Close()

	stats, err := b.store.GetStats()
	if err != nil {
		return fmt.Errorf("store stats: %w", err)
	}
	pending, err := b.journal.PendingEvents()
	if err != nil {
		return fmt.Errorf("pending events: %w", err)
	}

	fmt.Printf("chunks:        %d (%s)\n", stats.TotalObjects, humanize.Bytes(uint64(stats.TotalSize)))
	fmt.Printf("references:    %d across %d jobs\n", stats.TotalRefs, stats.UniqueJobs)
	fmt.Printf("unreferenced:  %d\n", stats.UnreferencedObjs)
	fmt.Printf("pending:       %d events\n", pending)
	return nil
}

// backend bundles the open database with the journal, snapshot store
// and delta engine every command works against.
type backend struct {
	db      *pebble.DB
	journal *journal.Journal
	store   *snapshot.Store
	engine  delta.Engine
}

func openBackend(cfg *config.KeeperConfig, readOnly bool) (*backend, error) {
	if !readOnly {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := pebble.Open(cfg.DataDir, &pebble.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	store, err := snapshot.NewStore(db, cfg.HashAlgo, chunk.Params{
		MinSize: cfg.ChunkMinBytes,
		AvgSize: cfg.ChunkAvgBytes,
		MaxSize: cfg.ChunkMaxBytes,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}

	engine, err := delta.NewEngine("bsdiff")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &backend{
		db:      db,
		journal: journal.NewJournal(db),
		store:   store,
		engine:  engine,
	}, nil
}

func (b *backend) Close() error {
	return b.db.Close()
}

// dataDirConfig returns the environment configuration with the data
// directory flag applied when set.
func dataDirConfig(dataDir string) *config.KeeperConfig {
	cfg := config.LoadFromEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

func publishStoreSize(store *snapshot.Store) {
	stats, err := store.GetStats()
	if err != nil {
		log.Printf("[run] store stats: %v", err)
		return
	}
	metrics.SetStoreSize("chunks", stats.TotalSize)
}
