package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config holds the executor settings.
type Config struct {
	InputRoot      string // Per-scenario engine inputs live in <InputRoot>/<scenario>
	OutputRoot     string // Job output dirs are created below it
	ArtifactName   string // Expected file under <scenario>/outputs (default results.csv)
	ErrorMarkerDir string // Polled for markers named after a job's display name; empty disables
	CompileCommand string // text/template rendered with CommandData
	RunCommand     string // text/template rendered with CommandData
	Flavor         ScriptFlavor
}

// Executor prepares a job's filesystem layout and launch script and starts
// the script through a Runtime. It also answers the probes the reconciler
// needs: artifact presence and error markers.
type Executor struct {
	fs      afero.Fs
	runtime Runtime
	cfg     Config
	gen     *scriptGenerator
}

// NewExecutor validates cfg and parses the command templates.
func NewExecutor(fsys afero.Fs, rt Runtime, cfg Config) (*Executor, error) {
	if cfg.OutputRoot == "" {
		return nil, fmt.Errorf("output root is required")
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = DefaultArtifact
	}
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorShell
		if goruntime.GOOS == "windows" {
			cfg.Flavor = FlavorBatch
		}
	}

	gen, err := newScriptGenerator(cfg.Flavor, cfg.CompileCommand, cfg.RunCommand)
	if err != nil {
		return nil, err
	}
	return &Executor{fs: fsys, runtime: rt, cfg: cfg, gen: gen}, nil
}

// OutputDir returns the base output directory for a job.
func (e *Executor) OutputDir(owner string, id uuid.UUID) string {
	return filepath.Join(e.cfg.OutputRoot, owner, id.String())
}

func (e *Executor) commandData(p Params, scenario string) CommandData {
	l := NewLayout(p.OutputDir, scenario)
	return CommandData{
		Scenario:     scenario,
		InputDir:     filepath.Join(e.cfg.InputRoot, scenario),
		StateDir:     l.StateDir(),
		LogDir:       l.LogDir(),
		OutputDir:    l.OutputsDir(),
		LogFile:      l.LogFile(),
		SwitchesFile: l.SwitchesFile(),
		Artifact:     l.Artifact(e.cfg.ArtifactName),
	}
}

// Prepare materializes every scenario's directories and switches file and
// writes the launch script. It returns the script path.
func (e *Executor) Prepare(id uuid.UUID, displayName string, p Params) (string, error) {
	if len(p.Scenarios) == 0 {
		return "", fmt.Errorf("job %s has no scenarios", id)
	}

	switches, err := yaml.Marshal(p.Switches)
	if err != nil {
		return "", fmt.Errorf("encode switches: %w", err)
	}

	var data []CommandData
	for _, sc := range p.Scenarios {
		l := NewLayout(p.OutputDir, sc)
		for _, dir := range []string{l.StateDir(), l.LogDir(), l.OutputsDir()} {
			if err := e.fs.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create %s: %w", dir, err)
			}
		}
		if err := afero.WriteFile(e.fs, l.SwitchesFile(), switches, 0o644); err != nil {
			return "", fmt.Errorf("write switches for %s: %w", sc, err)
		}
		data = append(data, e.commandData(p, sc))
	}

	body, err := e.gen.render(id.String(), displayName, data)
	if err != nil {
		return "", err
	}

	script := filepath.Join(p.OutputDir, e.cfg.Flavor.ScriptName())
	if err := afero.WriteFile(e.fs, script, []byte(body), 0o755); err != nil {
		return "", fmt.Errorf("write launch script: %w", err)
	}
	return script, nil
}

// Launch prepares the job and starts its launch script.
func (e *Executor) Launch(ctx context.Context, id uuid.UUID, displayName string, p Params) (Handle, error) {
	script, err := e.Prepare(id, displayName, p)
	if err != nil {
		return nil, err
	}

	return e.runtime.Start(ctx, StartOptions{
		ID:      id.String(),
		Command: e.cfg.Flavor.Command(script),
		Env: map[string]string{
			"RUNPLANE_JOB_ID":     id.String(),
			"RUNPLANE_JOB_NAME":   displayName,
			"RUNPLANE_OUTPUT_DIR": p.OutputDir,
		},
		WorkDir: p.OutputDir,
		LogFile: filepath.Join(p.OutputDir, LaunchLogName),
		Mounts:  []string{e.cfg.OutputRoot, e.cfg.InputRoot},
	})
}

// ArtifactsPresent reports whether every scenario produced its artifact.
func (e *Executor) ArtifactsPresent(p Params) (bool, error) {
	if len(p.Scenarios) == 0 {
		return false, nil
	}
	for _, sc := range p.Scenarios {
		ok, err := afero.Exists(e.fs, NewLayout(p.OutputDir, sc).Artifact(e.cfg.ArtifactName))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

var globMeta = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`)

// isMarkerFor reports whether base names a marker of displayName: the name
// itself, or the name plus one extension holding neither '.' nor '_'. Run
// names carry no '.', so no other display name can take the second form.
func isMarkerFor(base, displayName string) bool {
	if base == displayName {
		return true
	}
	ext, ok := strings.CutPrefix(base, displayName+".")
	return ok && ext != "" && !strings.ContainsAny(ext, "._")
}

func (e *Executor) markerMatches(displayName string) ([]string, error) {
	if e.cfg.ErrorMarkerDir == "" || displayName == "" {
		return nil, nil
	}
	ok, err := afero.DirExists(e.fs, e.cfg.ErrorMarkerDir)
	if err != nil || !ok {
		return nil, err
	}

	// Markers may sit at any depth below the marker dir.
	fsys := afero.NewIOFS(afero.NewBasePathFs(e.fs, e.cfg.ErrorMarkerDir))
	candidates, err := doublestar.Glob(fsys, "**/"+globMeta.Replace(displayName)+"*")
	if err != nil {
		return nil, fmt.Errorf("glob error markers for %s: %w", displayName, err)
	}

	var matches []string
	for _, c := range candidates {
		if isMarkerFor(path.Base(c), displayName) {
			matches = append(matches, c)
		}
	}
	return matches, nil
}

// HasErrorMarker reports whether the engine left an error marker named
// after the job's display name.
func (e *Executor) HasErrorMarker(displayName string) (bool, error) {
	matches, err := e.markerMatches(displayName)
	return len(matches) > 0, err
}

// RemoveErrorMarkers deletes every marker matching the display name.
func (e *Executor) RemoveErrorMarkers(displayName string) error {
	matches, err := e.markerMatches(displayName)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := e.fs.RemoveAll(filepath.Join(e.cfg.ErrorMarkerDir, filepath.FromSlash(m))); err != nil {
			return fmt.Errorf("remove error marker %s: %w", m, err)
		}
	}
	return nil
}

// RemoveOutput deletes a job's output directory. Paths outside the output
// root are refused.
func (e *Executor) RemoveOutput(outputDir string) error {
	if outputDir == "" {
		return nil
	}
	rel, err := filepath.Rel(e.cfg.OutputRoot, outputDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside output root", outputDir)
	}
	if err := e.fs.RemoveAll(outputDir); err != nil {
		return fmt.Errorf("remove output dir: %w", err)
	}
	return nil
}

// Scenarios lists the scenarios materialized under outputDir, in name order.
// A job that never launched has none.
func (e *Executor) Scenarios(outputDir string) ([]string, error) {
	infos, err := afero.ReadDir(e.fs, outputDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list scenarios: %w", err)
	}

	var scenarios []string
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		ok, err := afero.Exists(e.fs, NewLayout(outputDir, fi.Name()).SwitchesFile())
		if err != nil {
			return nil, err
		}
		if ok {
			scenarios = append(scenarios, fi.Name())
		}
	}
	return scenarios, nil
}

// ScenarioLog is the engine log of one scenario.
type ScenarioLog struct {
	Scenario string
	Content  string
}

// RunLogs reads the engine log of every scenario. When tail > 0 only the
// last tail lines of each log are returned. Missing logs are empty.
func (e *Executor) RunLogs(p Params, tail int) ([]ScenarioLog, error) {
	logs := make([]ScenarioLog, 0, len(p.Scenarios))
	for _, sc := range p.Scenarios {
		content, err := e.readLog(NewLayout(p.OutputDir, sc).LogFile(), tail)
		if err != nil {
			return nil, fmt.Errorf("read log for %s: %w", sc, err)
		}
		logs = append(logs, ScenarioLog{Scenario: sc, Content: content})
	}
	return logs, nil
}

func (e *Executor) readLog(name string, tail int) (string, error) {
	f, err := e.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}
