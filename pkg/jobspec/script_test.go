package jobspec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func heraSpec() *Spec {
	return &Spec{
		Name:         "preprocess",
		Queue:        "hera",
		ExportEnv:    true,
		JoinOutput:   true,
		OutputFile:   "preprocess.out",
		Nodes:        1,
		ProcsPerNode: 8,
		Walltime:     "24:00:00",
		Memory:       "128gb",
		Interpreter:  "python",
		Program:      "preprocess_data.py",
		ConfigPath:   "preprocess_params.yaml",
	}
}

func TestScriptDirectives(t *testing.T) {
	script, err := heraSpec().Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	directives := []string{
		"#PBS -q hera",
		"#PBS -V",
		"#PBS -j oe",
		"#PBS -o preprocess.out",
		"#PBS -l nodes=1:ppn=8",
		"#PBS -l walltime=24:00:00",
		"#PBS -l vmem=128gb",
	}

	pos := -1
	for _, d := range directives {
		idx := strings.Index(script, d)
		if idx < 0 {
			t.Errorf("script missing directive %q", d)
			continue
		}
		if idx < pos {
			t.Errorf("directive %q out of order", d)
		}
		pos = idx
	}

	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Error("script does not start with a bash shebang")
	}
}

func TestScriptBody(t *testing.T) {
	script, err := heraSpec().Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	body := []string{
		`echo "starting preprocess: $(date)"`,
		"chmod 444 preprocess_params.yaml",
		"python preprocess_data.py preprocess_params.yaml",
		"chmod 755 preprocess_params.yaml",
		`echo "ending preprocess: $(date)"`,
	}

	lines := strings.Split(script, "\n")
	found := make([]int, 0, len(body))
	for _, want := range body {
		for i, line := range lines {
			if line == want {
				found = append(found, i)
				break
			}
		}
	}

	if len(found) != len(body) {
		t.Fatalf("script body incomplete, got %d of %d lines:\n%s", len(found), len(body), script)
	}

	for i := 1; i < len(found); i++ {
		if found[i] <= found[i-1] {
			t.Fatalf("script body lines out of order:\n%s", script)
		}
	}
}

func TestScriptOmitsDisabledDirectives(t *testing.T) {
	spec := heraSpec()
	spec.ExportEnv = false
	spec.JoinOutput = false

	script, err := spec.Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	if strings.Contains(script, "#PBS -V") {
		t.Error("script contains #PBS -V despite export_env: false")
	}

	if strings.Contains(script, "#PBS -j oe") {
		t.Error("script contains #PBS -j oe despite join_output: false")
	}
}

func TestScriptWithoutInterpreter(t *testing.T) {
	spec := heraSpec()
	spec.Interpreter = ""
	spec.Program = "./analyze"

	script, err := spec.Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	if !strings.Contains(script, "\n./analyze preprocess_params.yaml\n") {
		t.Errorf("script does not invoke the program directly:\n%s", script)
	}
}

func TestScriptEnvExports(t *testing.T) {
	spec := heraSpec()
	spec.Env = map[string]string{
		"HDF5_USE_FILE_LOCKING": "FALSE",
		"OMP_NUM_THREADS":       "8",
	}

	script, err := spec.Script()
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}

	// Template map iteration is key-sorted, so the export block is stable.
	hdf := strings.Index(script, `export HDF5_USE_FILE_LOCKING="FALSE"`)
	omp := strings.Index(script, `export OMP_NUM_THREADS="8"`)

	if hdf < 0 || omp < 0 {
		t.Fatalf("script missing env exports:\n%s", script)
	}

	if hdf > omp {
		t.Error("env exports are not key-sorted")
	}
}

func TestScriptInvalidSpec(t *testing.T) {
	spec := heraSpec()
	spec.ConfigPath = ""

	if _, err := spec.Script(); err == nil {
		t.Error("Script() on an invalid spec returned nil error")
	}
}

func TestWriteScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preprocess.pbs")

	if err := heraSpec().WriteScript(path); err != nil {
		t.Fatalf("WriteScript() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}

	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("script mode = %#o, want owner execute bit", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}

	if !strings.Contains(string(data), "#PBS -q hera") {
		t.Error("written script missing queue directive")
	}
}
