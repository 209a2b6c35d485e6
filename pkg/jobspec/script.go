package jobspec

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// scriptTemplate is the PBS submission script for a wrapped run: the
// directive header, then the start line, the read-only lock, the program,
// the unconditional restore, and the end line.
const scriptTemplate = `#!/bin/bash
#PBS -q {{.Queue}}
{{- if .ExportEnv}}
#PBS -V
{{- end}}
{{- if .JoinOutput}}
#PBS -j oe
{{- end}}
#PBS -o {{.OutputFile}}
#PBS -l nodes={{.Nodes}}:ppn={{.ProcsPerNode}}
#PBS -l walltime={{.Walltime}}
#PBS -l vmem={{.Memory}}
{{range $name, $value := .Env}}
export {{$name}}="{{$value}}"
{{- end}}

echo "starting {{.Name}}: $(date)"
chmod 444 {{.ConfigPath}}
{{if .Interpreter}}{{.Interpreter}} {{end}}{{.Program}} {{.ConfigPath}}
chmod 755 {{.ConfigPath}}
echo "ending {{.Name}}: $(date)"
`

var scriptTmpl = template.Must(template.New("pbs").Parse(scriptTemplate))

// Script renders the batch submission script for this job.
func (s *Spec) Script() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("render batch script: %w", err)
	}

	return buf.String(), nil
}

// WriteScript renders the batch script and writes it executable to path.
func (s *Spec) WriteScript(path string) error {
	script, err := s.Script()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return fmt.Errorf("write batch script %s: %w", path, err)
	}

	return nil
}
