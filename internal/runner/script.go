package runner

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// ScriptFlavor selects the launch script dialect.
type ScriptFlavor string

const (
	FlavorShell ScriptFlavor = "sh"
	FlavorBatch ScriptFlavor = "bat"
)

// ScriptName returns the launch script file name for the flavor.
func (f ScriptFlavor) ScriptName() string {
	if f == FlavorBatch {
		return "launch.bat"
	}
	return "launch.sh"
}

// Command returns the argv that runs script.
func (f ScriptFlavor) Command(script string) []string {
	if f == FlavorBatch {
		return []string{"cmd", "/C", script}
	}
	return []string{"/bin/sh", script}
}

// Quote renders s as a single argument for the flavor.
func (f ScriptFlavor) Quote(s string) string {
	if f == FlavorBatch {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Stages are not chained with set -e or errorlevel checks: a failing stage
// is only visible later through the missing artifact.
const shellScriptTemplate = `#!/bin/sh
# runplane launch script for job {{.JobID}} ({{.DisplayName}})
{{- range .Stages}}

# {{.Scenario}}: {{.Stage}}
echo "[runplane] {{.Stage}} {{.Scenario}}" >> {{quote .LogFile}}
{{.Command}} >> {{quote .LogFile}} 2>&1
{{- end}}
`

const batchScriptTemplate = `@echo off
rem runplane launch script for job {{.JobID}} ({{.DisplayName}})
{{- range .Stages}}

rem {{.Scenario}}: {{.Stage}}
echo [runplane] {{.Stage}} {{.Scenario}} >> {{quote .LogFile}}
{{.Command}} >> {{quote .LogFile}} 2>&1
{{- end}}
`

// CommandData is the data available to the engine command templates.
type CommandData struct {
	Scenario     string
	InputDir     string
	StateDir     string
	LogDir       string
	OutputDir    string
	LogFile      string
	SwitchesFile string
	Artifact     string
}

type stage struct {
	Scenario string
	Stage    string
	Command  string
	LogFile  string
}

type scriptData struct {
	JobID       string
	DisplayName string
	Stages      []stage
}

type scriptGenerator struct {
	flavor  ScriptFlavor
	script  *template.Template
	compile *template.Template
	run     *template.Template
}

func newScriptGenerator(flavor ScriptFlavor, compileCmd, runCmd string) (*scriptGenerator, error) {
	if strings.TrimSpace(compileCmd) == "" || strings.TrimSpace(runCmd) == "" {
		return nil, fmt.Errorf("engine compile and run commands are required")
	}

	funcs := template.FuncMap{"quote": flavor.Quote}

	body := shellScriptTemplate
	if flavor == FlavorBatch {
		body = batchScriptTemplate
	}
	script, err := template.New("launch").Funcs(funcs).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse launch template: %w", err)
	}
	compile, err := template.New("compile").Funcs(funcs).Option("missingkey=error").Parse(compileCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse compile command: %w", err)
	}
	run, err := template.New("run").Funcs(funcs).Option("missingkey=error").Parse(runCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run command: %w", err)
	}

	return &scriptGenerator{flavor: flavor, script: script, compile: compile, run: run}, nil
}

// render produces the launch script running, for each scenario in order,
// the compile stage then the run stage.
func (g *scriptGenerator) render(jobID, displayName string, scenarios []CommandData) (string, error) {
	data := scriptData{JobID: jobID, DisplayName: displayName}
	for _, sc := range scenarios {
		for _, st := range []struct {
			name string
			tmpl *template.Template
		}{{"compile", g.compile}, {"run", g.run}} {
			var buf bytes.Buffer
			if err := st.tmpl.Execute(&buf, sc); err != nil {
				return "", fmt.Errorf("failed to render %s command for %s: %w", st.name, sc.Scenario, err)
			}
			data.Stages = append(data.Stages, stage{
				Scenario: sc.Scenario,
				Stage:    st.name,
				Command:  strings.TrimSpace(buf.String()),
				LogFile:  sc.LogFile,
			})
		}
	}

	var buf bytes.Buffer
	if err := g.script.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute launch template: %w", err)
	}
	return buf.String(), nil
}
