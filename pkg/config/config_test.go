package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir != ".batchkeeper" {
		t.Errorf("Expected default data dir '.batchkeeper', got '%s'", cfg.DataDir)
	}

	if cfg.LockMode != 0o444 {
		t.Errorf("Expected default lock mode 0444, got %#o", cfg.LockMode)
	}

	if cfg.RestoreMode != 0o755 {
		t.Errorf("Expected default restore mode 0755, got %#o", cfg.RestoreMode)
	}

	if cfg.FailurePolicy != PolicyPropagate {
		t.Errorf("Expected default failure policy '%s', got '%s'", PolicyPropagate, cfg.FailurePolicy)
	}

	if cfg.Interpreter != "python" {
		t.Errorf("Expected default interpreter 'python', got '%s'", cfg.Interpreter)
	}

	if cfg.QsubPath != "qsub" {
		t.Errorf("Expected default qsub path 'qsub', got '%s'", cfg.QsubPath)
	}

	if cfg.SubmitRetries != 3 {
		t.Errorf("Expected 3 submit retries, got %d", cfg.SubmitRetries)
	}

	if !cfg.SnapshotsEnabled {
		t.Error("Expected snapshots enabled by default")
	}

	if !cfg.WatchEnabled {
		t.Error("Expected tamper watch enabled by default")
	}

	if cfg.HashAlgo != "sha256" {
		t.Errorf("Expected default hash algo 'sha256', got '%s'", cfg.HashAlgo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("BATCHKEEPER_DATA_DIR", "/var/lib/batchkeeper")
	os.Setenv("BATCHKEEPER_LOCK_MODE", "0440")
	os.Setenv("BATCHKEEPER_RESTORE_MODE", "0644")
	os.Setenv("BATCHKEEPER_FAILURE_POLICY", "restore")
	os.Setenv("BATCHKEEPER_INTERPRETER", "python3")
	os.Setenv("BATCHKEEPER_METRICS_ADDR", ":9301")
	os.Setenv("BATCHKEEPER_QSUB_PATH", "/opt/pbs/bin/qsub")
	os.Setenv("BATCHKEEPER_SUBMIT_RETRIES", "5")
	os.Setenv("BATCHKEEPER_SUBMIT_RETRY_DELAY", "2s")
	os.Setenv("BATCHKEEPER_SNAPSHOTS", "false")
	os.Setenv("BATCHKEEPER_WATCH", "0")
	os.Setenv("BATCHKEEPER_HASH_ALGO", "blake3")
	defer func() {
		os.Unsetenv("BATCHKEEPER_DATA_DIR")
		os.Unsetenv("BATCHKEEPER_LOCK_MODE")
		os.Unsetenv("BATCHKEEPER_RESTORE_MODE")
		os.Unsetenv("BATCHKEEPER_FAILURE_POLICY")
		os.Unsetenv("BATCHKEEPER_INTERPRETER")
		os.Unsetenv("BATCHKEEPER_METRICS_ADDR")
		os.Unsetenv("BATCHKEEPER_QSUB_PATH")
		os.Unsetenv("BATCHKEEPER_SUBMIT_RETRIES")
		os.Unsetenv("BATCHKEEPER_SUBMIT_RETRY_DELAY")
		os.Unsetenv("BATCHKEEPER_SNAPSHOTS")
		os.Unsetenv("BATCHKEEPER_WATCH")
		os.Unsetenv("BATCHKEEPER_HASH_ALGO")
	}()

	cfg := LoadFromEnv()

	if cfg.DataDir != "/var/lib/batchkeeper" {
		t.Errorf("Expected data dir '/var/lib/batchkeeper', got '%s'", cfg.DataDir)
	}

	if cfg.LockMode != 0o440 {
		t.Errorf("Expected lock mode 0440, got %#o", cfg.LockMode)
	}

	if cfg.RestoreMode != 0o644 {
		t.Errorf("Expected restore mode 0644, got %#o", cfg.RestoreMode)
	}

	if cfg.FailurePolicy != PolicyRestore {
		t.Errorf("Expected failure policy 'restore', got '%s'", cfg.FailurePolicy)
	}

	if cfg.Interpreter != "python3" {
		t.Errorf("Expected interpreter 'python3', got '%s'", cfg.Interpreter)
	}

	if cfg.MetricsAddr != ":9301" {
		t.Errorf("Expected metrics addr ':9301', got '%s'", cfg.MetricsAddr)
	}

	if cfg.QsubPath != "/opt/pbs/bin/qsub" {
		t.Errorf("Expected qsub path '/opt/pbs/bin/qsub', got '%s'", cfg.QsubPath)
	}

	if cfg.SubmitRetries != 5 {
		t.Errorf("Expected 5 submit retries, got %d", cfg.SubmitRetries)
	}

	if cfg.SubmitRetryDelay != 2*time.Second {
		t.Errorf("Expected 2s retry delay, got %s", cfg.SubmitRetryDelay)
	}

	if cfg.SnapshotsEnabled {
		t.Error("Expected snapshots disabled")
	}

	if cfg.WatchEnabled {
		t.Error("Expected tamper watch disabled")
	}

	if cfg.HashAlgo != "blake3" {
		t.Errorf("Expected hash algo 'blake3', got '%s'", cfg.HashAlgo)
	}
}

func TestLoadFromEnvIgnoresBadMode(t *testing.T) {
	os.Setenv("BATCHKEEPER_LOCK_MODE", "not-a-mode")
	defer os.Unsetenv("BATCHKEEPER_LOCK_MODE")

	cfg := LoadFromEnv()

	if cfg.LockMode != 0o444 {
		t.Errorf("Expected unparsable mode to keep default 0444, got %#o", cfg.LockMode)
	}
}

func TestValidate(t *testing.T) {
	valid := func(mutate func(*KeeperConfig)) *KeeperConfig {
		cfg := DefaultConfig()
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *KeeperConfig
		wantErr bool
	}{
		{
			name:    "valid default config",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty data dir",
			cfg:     valid(func(c *KeeperConfig) { c.DataDir = "" }),
			wantErr: true,
		},
		{
			name:    "lock mode with write bit",
			cfg:     valid(func(c *KeeperConfig) { c.LockMode = 0o644 }),
			wantErr: true,
		},
		{
			name:    "restore mode without owner write",
			cfg:     valid(func(c *KeeperConfig) { c.RestoreMode = 0o555 }),
			wantErr: true,
		},
		{
			name:    "unknown failure policy",
			cfg:     valid(func(c *KeeperConfig) { c.FailurePolicy = "ignore" }),
			wantErr: true,
		},
		{
			name:    "empty qsub path",
			cfg:     valid(func(c *KeeperConfig) { c.QsubPath = "" }),
			wantErr: true,
		},
		{
			name:    "zero submit retries",
			cfg:     valid(func(c *KeeperConfig) { c.SubmitRetries = 0 }),
			wantErr: true,
		},
		{
			name:    "invalid hash algo",
			cfg:     valid(func(c *KeeperConfig) { c.HashAlgo = "md5" }),
			wantErr: true,
		},
		{
			name:    "inverted chunk bounds",
			cfg:     valid(func(c *KeeperConfig) { c.ChunkMinBytes = 1 << 20 }),
			wantErr: true,
		},
		{
			name:    "negative chunk bound",
			cfg:     valid(func(c *KeeperConfig) { c.ChunkAvgBytes = -1 }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    os.FileMode
		wantErr bool
	}{
		{"lock mode", "0444", 0o444, false},
		{"restore mode", "0755", 0o755, false},
		{"no leading zero", "644", 0o644, false},
		{"not octal", "0999", 0, true},
		{"not a number", "rw-r--r--", 0, true},
		{"beyond permission bits", "10000", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMode(%q) = %#o, want %#o", tt.input, got, tt.want)
			}
		})
	}
}
