package jobspec

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeJobFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write job file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeJobFile(t, "preprocess.yaml", `
name: preprocess
queue: hera
output_file: preprocess.out
nodes: 1
procs_per_node: 8
walltime: "24:00:00"
memory: 128gb
interpreter: python
program: preprocess_data.py
config: preprocess_params.yaml
`)

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if spec.Name != "preprocess" {
		t.Errorf("Name = %q, want 'preprocess'", spec.Name)
	}

	if spec.Queue != "hera" {
		t.Errorf("Queue = %q, want 'hera'", spec.Queue)
	}

	if !spec.ExportEnv {
		t.Error("ExportEnv should default to true")
	}

	if !spec.JoinOutput {
		t.Error("JoinOutput should default to true")
	}

	if spec.ProcsPerNode != 8 {
		t.Errorf("ProcsPerNode = %d, want 8", spec.ProcsPerNode)
	}

	if spec.ConfigPath != "preprocess_params.yaml" {
		t.Errorf("ConfigPath = %q, want 'preprocess_params.yaml'", spec.ConfigPath)
	}
}

func TestLoadDerivesNameAndOutput(t *testing.T) {
	path := writeJobFile(t, "idr2_prep.yaml", `
program: preprocess_data.py
config: params.yaml
`)

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if spec.Name != "idr2_prep" {
		t.Errorf("derived Name = %q, want 'idr2_prep'", spec.Name)
	}

	if spec.OutputFile != "idr2_prep.out" {
		t.Errorf("derived OutputFile = %q, want 'idr2_prep.out'", spec.OutputFile)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeJobFile(t, "broken.yaml", `
program: preprocess_data.py
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() without a config path returned nil error")
	}
}

func TestValidate(t *testing.T) {
	valid := func(mutate func(*Spec)) *Spec {
		spec := Default()
		spec.Name = "preprocess"
		spec.Program = "preprocess_data.py"
		spec.ConfigPath = "params.yaml"
		mutate(spec)
		return spec
	}

	tests := []struct {
		name    string
		spec    *Spec
		wantErr bool
	}{
		{
			name:    "valid spec",
			spec:    valid(func(s *Spec) {}),
			wantErr: false,
		},
		{
			name:    "empty name",
			spec:    valid(func(s *Spec) { s.Name = "" }),
			wantErr: true,
		},
		{
			name:    "name with whitespace",
			spec:    valid(func(s *Spec) { s.Name = "pre process" }),
			wantErr: true,
		},
		{
			name:    "empty queue",
			spec:    valid(func(s *Spec) { s.Queue = "" }),
			wantErr: true,
		},
		{
			name:    "zero nodes",
			spec:    valid(func(s *Spec) { s.Nodes = 0 }),
			wantErr: true,
		},
		{
			name:    "zero procs per node",
			spec:    valid(func(s *Spec) { s.ProcsPerNode = 0 }),
			wantErr: true,
		},
		{
			name:    "malformed walltime",
			spec:    valid(func(s *Spec) { s.Walltime = "24h" }),
			wantErr: true,
		},
		{
			name:    "walltime minutes out of range",
			spec:    valid(func(s *Spec) { s.Walltime = "1:75:00" }),
			wantErr: true,
		},
		{
			name:    "unparsable memory",
			spec:    valid(func(s *Spec) { s.Memory = "lots" }),
			wantErr: true,
		},
		{
			name:    "empty program",
			spec:    valid(func(s *Spec) { s.Program = "" }),
			wantErr: true,
		},
		{
			name:    "empty config path",
			spec:    valid(func(s *Spec) { s.ConfigPath = "" }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want []string
	}{
		{
			name: "with interpreter",
			spec: Spec{Interpreter: "python", Program: "preprocess_data.py", ConfigPath: "params.yaml"},
			want: []string{"python", "preprocess_data.py", "params.yaml"},
		},
		{
			name: "direct executable",
			spec: Spec{Program: "./analyze", ConfigPath: "params.yaml"},
			want: []string{"./analyze", "params.yaml"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Command(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Command() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWalltimeDuration(t *testing.T) {
	tests := []struct {
		name     string
		walltime string
		want     time.Duration
		wantErr  bool
	}{
		{"one day", "24:00:00", 24 * time.Hour, false},
		{"mixed", "1:30:15", time.Hour + 30*time.Minute + 15*time.Second, false},
		{"multi day", "96:00:00", 96 * time.Hour, false},
		{"missing seconds", "24:00", 0, true},
		{"negative hours", "-1:00:00", 0, true},
		{"seconds out of range", "0:00:99", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := Spec{Walltime: tt.walltime}
			got, err := spec.WalltimeDuration()
			if (err != nil) != tt.wantErr {
				t.Errorf("WalltimeDuration() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("WalltimeDuration() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMemoryBytes(t *testing.T) {
	spec := Spec{Memory: "128gb"}

	n, err := spec.MemoryBytes()
	if err != nil {
		t.Fatalf("MemoryBytes() error = %v", err)
	}

	if n != 128*1000*1000*1000 {
		t.Errorf("MemoryBytes() = %d, want 128 GB", n)
	}

	if human := spec.MemoryHuman(); human != "128 GB" {
		t.Errorf("MemoryHuman() = %q, want '128 GB'", human)
	}
}
