package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Failure policies for the run step. "propagate" restores the config file and
// then surfaces a failed analysis program as the run's error; "restore" keeps
// the historical wrapper behavior where only the permission-restore step
// decides the run's outcome.
const (
	PolicyPropagate = "propagate"
	PolicyRestore   = "restore"
)

// KeeperConfig holds configuration for the batch run wrapper
type KeeperConfig struct {
	// DataDir is the directory holding the run journal and snapshot store
	DataDir string

	// LockMode is applied to the config file for the duration of a run
	LockMode os.FileMode

	// RestoreMode is applied after the run, regardless of its outcome
	RestoreMode os.FileMode

	// FailurePolicy decides how a failed analysis program affects the run's exit ("propagate" or "restore")
	FailurePolicy string

	// Interpreter placed in front of the analysis program, empty to execute the program directly
	Interpreter string

	// MetricsAddr is the listen address for the Prometheus endpoint, empty disables it
	MetricsAddr string

	// QsubPath is the scheduler submission binary
	QsubPath string

	// SubmitRetries is how many attempts a submission gets before giving up
	SubmitRetries int

	// SubmitRetryDelay is the pause between submission attempts
	SubmitRetryDelay time.Duration

	// SnapshotsEnabled captures the config file into the snapshot store before each run
	SnapshotsEnabled bool

	// WatchEnabled reports writes to the config file while it is locked
	WatchEnabled bool

	// HashAlgo selects the snapshot CID hash ("sha256" or "blake3")
	HashAlgo string

	// ChunkMinBytes, ChunkAvgBytes and ChunkMaxBytes bound content-defined
	// chunking of snapshot content
	ChunkMinBytes int
	ChunkAvgBytes int
	ChunkMaxBytes int
}

// DefaultConfig returns the default configuration
func DefaultConfig() *KeeperConfig {
	return &KeeperConfig{
		DataDir:          ".batchkeeper",
		LockMode:         0o444,
		RestoreMode:      0o755,
		FailurePolicy:    PolicyPropagate,
		Interpreter:      "python",
		MetricsAddr:      "",
		QsubPath:         "qsub",
		SubmitRetries:    3,
		SubmitRetryDelay: 5 * time.Second,
		SnapshotsEnabled: true,
		WatchEnabled:     true,
		HashAlgo:         "sha256",
		ChunkMinBytes:    2 * 1024,
		ChunkAvgBytes:    8 * 1024,
		ChunkMaxBytes:    64 * 1024,
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *KeeperConfig {
	cfg := DefaultConfig()

	if dir := os.Getenv("BATCHKEEPER_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if mode := os.Getenv("BATCHKEEPER_LOCK_MODE"); mode != "" {
		if m, err := ParseMode(mode); err == nil {
			cfg.LockMode = m
		}
	}

	if mode := os.Getenv("BATCHKEEPER_RESTORE_MODE"); mode != "" {
		if m, err := ParseMode(mode); err == nil {
			cfg.RestoreMode = m
		}
	}

	if policy := os.Getenv("BATCHKEEPER_FAILURE_POLICY"); policy != "" {
		cfg.FailurePolicy = policy
	}

	if interp := os.Getenv("BATCHKEEPER_INTERPRETER"); interp != "" {
		cfg.Interpreter = interp
	}

	if addr := os.Getenv("BATCHKEEPER_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if qsub := os.Getenv("BATCHKEEPER_QSUB_PATH"); qsub != "" {
		cfg.QsubPath = qsub
	}

	if retries := os.Getenv("BATCHKEEPER_SUBMIT_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			cfg.SubmitRetries = n
		}
	}

	if delay := os.Getenv("BATCHKEEPER_SUBMIT_RETRY_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			cfg.SubmitRetryDelay = d
		}
	}

	if snaps := os.Getenv("BATCHKEEPER_SNAPSHOTS"); snaps != "" {
		cfg.SnapshotsEnabled = snaps == "true" || snaps == "1"
	}

	if watch := os.Getenv("BATCHKEEPER_WATCH"); watch != "" {
		cfg.WatchEnabled = watch == "true" || watch == "1"
	}

	if hashAlgo := os.Getenv("BATCHKEEPER_HASH_ALGO"); hashAlgo != "" {
		cfg.HashAlgo = hashAlgo
	}

	if v := os.Getenv("BATCHKEEPER_CHUNK_MIN_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkMinBytes = n
		}
	}

	if v := os.Getenv("BATCHKEEPER_CHUNK_AVG_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkAvgBytes = n
		}
	}

	if v := os.Getenv("BATCHKEEPER_CHUNK_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkMaxBytes = n
		}
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *KeeperConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}

	if c.LockMode&0o222 != 0 {
		return fmt.Errorf("lock mode %#o keeps a write bit set; locking requires the file to become read-only", c.LockMode)
	}

	if c.RestoreMode&0o200 == 0 {
		return fmt.Errorf("restore mode %#o has no owner write bit; later runs could not lock the file again", c.RestoreMode)
	}

	if c.FailurePolicy != PolicyPropagate && c.FailurePolicy != PolicyRestore {
		return fmt.Errorf("invalid failure policy: %s (must be '%s' or '%s')", c.FailurePolicy, PolicyPropagate, PolicyRestore)
	}

	if c.QsubPath == "" {
		return fmt.Errorf("qsub path must not be empty")
	}

	if c.SubmitRetries <= 0 {
		return fmt.Errorf("submit retries must be positive, got: %d", c.SubmitRetries)
	}

	if c.SubmitRetryDelay < 0 {
		return fmt.Errorf("submit retry delay must not be negative, got: %s", c.SubmitRetryDelay)
	}

	if c.HashAlgo != "sha256" && c.HashAlgo != "blake3" {
		return fmt.Errorf("invalid hash algorithm: %s (must be 'sha256' or 'blake3')", c.HashAlgo)
	}

	if c.ChunkMinBytes <= 0 || c.ChunkAvgBytes <= 0 || c.ChunkMaxBytes <= 0 {
		return fmt.Errorf("chunk bounds must be positive, got min=%d avg=%d max=%d", c.ChunkMinBytes, c.ChunkAvgBytes, c.ChunkMaxBytes)
	}

	if c.ChunkMinBytes > c.ChunkAvgBytes || c.ChunkAvgBytes > c.ChunkMaxBytes {
		return fmt.Errorf("chunk bounds must satisfy min <= avg <= max, got min=%d avg=%d max=%d", c.ChunkMinBytes, c.ChunkAvgBytes, c.ChunkMaxBytes)
	}

	return nil
}

// ParseMode parses an octal permission string such as "0444" or "755".
func ParseMode(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permission mode %q: %w", s, err)
	}
	if n > 0o777 {
		return 0, fmt.Errorf("invalid permission mode %q: beyond 0777", s)
	}
	return os.FileMode(n), nil
}
