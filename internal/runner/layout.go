package runner

import "path/filepath"

// Directory and file names of a scenario's layout under the job output dir:
//
//	<output_dir>/<scenario>/state
//	<output_dir>/<scenario>/logs/engine.log
//	<output_dir>/<scenario>/outputs/<artifact>
//	<output_dir>/<scenario>/switches.yaml
const (
	StateDirName    = "state"
	LogDirName      = "logs"
	OutputsDirName  = "outputs"
	EngineLogName   = "engine.log"
	SwitchesName    = "switches.yaml"
	LaunchLogName   = "launch.log"
	DefaultArtifact = "results.csv"
)

// Layout resolves the paths of one scenario.
type Layout struct {
	Scenario string
	Root     string
}

// NewLayout returns the layout of scenario under the job's output dir.
func NewLayout(outputDir, scenario string) Layout {
	return Layout{Scenario: scenario, Root: filepath.Join(outputDir, scenario)}
}

func (l Layout) StateDir() string     { return filepath.Join(l.Root, StateDirName) }
func (l Layout) LogDir() string       { return filepath.Join(l.Root, LogDirName) }
func (l Layout) OutputsDir() string   { return filepath.Join(l.Root, OutputsDirName) }
func (l Layout) LogFile() string      { return filepath.Join(l.LogDir(), EngineLogName) }
func (l Layout) SwitchesFile() string { return filepath.Join(l.Root, SwitchesName) }

// Artifact is the file whose presence marks the scenario as successful.
func (l Layout) Artifact(name string) string {
	return filepath.Join(l.OutputsDir(), name)
}
