// Package jobspec models a batch job: the scheduler directives that head a
// PBS submission script and the wrapped invocation of the analysis program.
package jobspec

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Spec describes one batch job. The scheduler fields map one to one onto
// #PBS header lines; the remaining fields describe the program the wrapper
// runs and the configuration file it locks.
type Spec struct {
	// Name identifies the job in log lines, journal keys and output files
	Name string `yaml:"name"`

	// Queue is the scheduler queue the job is submitted to (#PBS -q)
	Queue string `yaml:"queue"`

	// ExportEnv forwards the submitting environment to the job (#PBS -V)
	ExportEnv bool `yaml:"export_env"`

	// JoinOutput merges stderr into stdout (#PBS -j oe)
	JoinOutput bool `yaml:"join_output"`

	// OutputFile receives the job's combined output (#PBS -o)
	OutputFile string `yaml:"output_file"`

	// Nodes and ProcsPerNode reserve compute resources (#PBS -l nodes=N:ppn=M)
	Nodes        int `yaml:"nodes"`
	ProcsPerNode int `yaml:"procs_per_node"`

	// Walltime is the wall-clock limit as H:MM:SS (#PBS -l walltime=)
	Walltime string `yaml:"walltime"`

	// Memory is the virtual memory reservation, e.g. "128gb" (#PBS -l vmem=)
	Memory string `yaml:"memory"`

	// Interpreter placed in front of Program; empty runs Program directly
	Interpreter string `yaml:"interpreter"`

	// Program is the analysis program the wrapper invokes
	Program string `yaml:"program"`

	// ConfigPath is the configuration file passed to Program as its sole
	// argument and locked for the duration of the run
	ConfigPath string `yaml:"config"`

	// Env holds extra environment variables for the run
	Env map[string]string `yaml:"env,omitempty"`
}

// Default returns a spec with the scheduler defaults filled in.
func Default() *Spec {
	return &Spec{
		Queue:        "batch",
		ExportEnv:    true,
		JoinOutput:   true,
		Nodes:        1,
		ProcsPerNode: 1,
		Walltime:     "24:00:00",
		Memory:       "128gb",
		Interpreter:  "python",
	}
}

// Load reads a job file, layers it over the defaults and validates the
// result. The job name falls back to the file's base name and the output
// file to "<name>.out".
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	spec := Default()
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}

	if spec.Name == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if spec.OutputFile == "" {
		spec.OutputFile = spec.Name + ".out"
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}

	return spec, nil
}

// Validate checks that the job is submittable and runnable.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("job name must not be empty")
	}

	if strings.ContainsAny(s.Name, " \t\n") {
		return fmt.Errorf("job name %q must not contain whitespace", s.Name)
	}

	if s.Queue == "" {
		return fmt.Errorf("queue must not be empty")
	}

	if s.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1, got: %d", s.Nodes)
	}

	if s.ProcsPerNode < 1 {
		return fmt.Errorf("procs per node must be at least 1, got: %d", s.ProcsPerNode)
	}

	if _, err := s.WalltimeDuration(); err != nil {
		return err
	}

	if _, err := s.MemoryBytes(); err != nil {
		return err
	}

	if s.Program == "" {
		return fmt.Errorf("program must not be empty")
	}

	if s.ConfigPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	return nil
}

// Command returns the argv of the wrapped invocation: the interpreter when
// one is set, the program, and the configuration file as its sole argument.
func (s *Spec) Command() []string {
	if s.Interpreter == "" {
		return []string{s.Program, s.ConfigPath}
	}
	return []string{s.Interpreter, s.Program, s.ConfigPath}
}

// MemoryBytes parses the memory reservation into bytes.
func (s *Spec) MemoryBytes() (uint64, error) {
	n, err := humanize.ParseBytes(s.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid memory reservation %q: %w", s.Memory, err)
	}
	return n, nil
}

// MemoryHuman renders the memory reservation in a readable form.
func (s *Spec) MemoryHuman() string {
	n, err := s.MemoryBytes()
	if err != nil {
		return s.Memory
	}
	return humanize.Bytes(n)
}

// WalltimeDuration parses the H:MM:SS walltime into a duration.
func (s *Spec) WalltimeDuration() (time.Duration, error) {
	parts := strings.Split(s.Walltime, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid walltime %q: want H:MM:SS", s.Walltime)
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid walltime %q: bad hours field", s.Walltime)
	}

	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid walltime %q: bad minutes field", s.Walltime)
	}

	seconds, err := strconv.Atoi(parts[2])
	if err != nil || seconds < 0 || seconds > 59 {
		return 0, fmt.Errorf("invalid walltime %q: bad seconds field", s.Walltime)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second, nil
}
