package setup

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

// Report captures the detected CUE environment of a workspace.
type Report struct {
	Workspace   string       `json:"workspace"`
	LastUpdated time.Time    `json:"last_updated"`
	ModuleRoot  string       `json:"module_root,omitempty"`
	CueFiles    int          `json:"cue_files"`
	ToolsPath   string       `json:"tools_path"`
	Tools       []ToolStatus `json:"tools"`
}

// ToolStatus stores availability for one external executable.
type ToolStatus struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	CommandPath string `json:"command_path,omitempty"`
	OnPath      bool   `json:"on_path"`
	Version     string `json:"version,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Detector probes the environment. Zero fields use the real system.
type Detector struct {
	Runner   framework.CommandRunner
	LookPath func(string) (string, error)
}

// DefaultReportPath returns where `tools status --save` writes its snapshot.
func DefaultReportPath(workspace string) string {
	return filepath.Join(framework.ConfigDir(workspace), "environment.json")
}

// SaveReport writes the report JSON, creating parent dirs as needed.
func SaveReport(path string, report *Report) error {
	if report == nil {
		return errors.New("nil report")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Detect builds a Report for workspace using the tools directory from settings.
func (d Detector) Detect(ctx context.Context, workspace string, settings *framework.Settings) (*Report, error) {
	count, err := countCueFiles(workspace)
	if err != nil {
		return nil, err
	}
	toolsPath := settings.ResolvedToolsPath()
	report := &Report{
		Workspace:   workspace,
		LastUpdated: time.Now(),
		CueFiles:    count,
		ToolsPath:   toolsPath,
	}
	if root, ok := diagnostics.FindModuleRoot(workspace); ok {
		report.ModuleRoot = root
	}
	report.Tools = []ToolStatus{
		d.probe(ctx, "cue", "", []string{"version"}),
		d.probe(ctx, tools.ToolName, filepath.Join(toolsPath, tools.BinaryName(runtime.GOOS)), []string{"-version"}),
	}
	return report, nil
}

// Tool returns the status entry for name.
func (r *Report) Tool(name string) (ToolStatus, bool) {
	if r == nil {
		return ToolStatus{}, false
	}
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolStatus{}, false
}

func (d Detector) probe(ctx context.Context, name, local string, versionArgs []string) ToolStatus {
	status := ToolStatus{Name: name}
	if path, err := d.lookPath(name); err == nil {
		status.CommandPath = path
		status.OnPath = true
	} else if local != "" && isExecutable(local) {
		status.CommandPath = local
	}
	if status.CommandPath == "" {
		return status
	}
	status.Available = true
	stdout, stderr, err := d.runner().Run(ctx, framework.CommandRequest{
		Args:    append([]string{status.CommandPath}, versionArgs...),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		status.LastError = firstLine(stderr)
		if status.LastError == "" {
			status.LastError = err.Error()
		}
		return status
	}
	status.Version = firstLine(stdout)
	return status
}

func (d Detector) runner() framework.CommandRunner {
	if d.Runner != nil {
		return d.Runner
	}
	return framework.NewLocalCommandRunner()
}

func (d Detector) lookPath(name string) (string, error) {
	if d.LookPath != nil {
		return d.LookPath(name)
	}
	return exec.LookPath(name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func countCueFiles(workspace string) (int, error) {
	if workspace == "" {
		workspace = "."
	}
	info, err := os.Stat(workspace)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		return 0, nil
	}
	skipDirs := map[string]bool{
		".git":         true,
		".idea":        true,
		".vscode":      true,
		"node_modules": true,
		"vendor":       true,
		"cuekit_cfg":   true,
	}
	count := 0
	err = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".cue") {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
