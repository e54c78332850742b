package setup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

type versionRunner map[string]string

func (v versionRunner) Run(ctx context.Context, req framework.CommandRequest) (string, string, error) {
	out, ok := v[filepath.Base(req.Args[0])]
	if !ok {
		return "", "boom\nmore", errors.New("exit status 1")
	}
	return out, "", nil
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestDetectReportsToolsAndModule(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "cue.mod"), 0o755))
	writeFile(t, filepath.Join(ws, "a.cue"), "a: 1\n", 0o644)
	writeFile(t, filepath.Join(ws, "pkg", "b.cue"), "b: 1\n", 0o644)
	writeFile(t, filepath.Join(ws, "node_modules", "c.cue"), "c: 1\n", 0o644)
	writeFile(t, filepath.Join(ws, "README.md"), "x", 0o644)

	toolsDir := t.TempDir()
	local := filepath.Join(toolsDir, tools.BinaryName(runtime.GOOS))
	writeFile(t, local, "#!/bin/sh\n", 0o755)

	settings := framework.DefaultSettings()
	settings.ToolsPath = toolsDir
	d := Detector{
		Runner: versionRunner{"cue": "cue version v0.9.0\n\ngo version go1.22"},
		LookPath: func(name string) (string, error) {
			if name == "cue" {
				return "/usr/local/bin/cue", nil
			}
			return "", exec.ErrNotFound
		},
	}
	report, err := d.Detect(context.Background(), ws, settings)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CueFiles)
	assert.Equal(t, ws, report.ModuleRoot)
	assert.Equal(t, toolsDir, report.ToolsPath)

	cue, ok := report.Tool("cue")
	require.True(t, ok)
	assert.True(t, cue.OnPath)
	assert.Equal(t, "cue version v0.9.0", cue.Version)

	ci, ok := report.Tool(tools.ToolName)
	require.True(t, ok)
	assert.True(t, ci.Available)
	assert.False(t, ci.OnPath)
	assert.Equal(t, local, ci.CommandPath)
	assert.Equal(t, "boom", ci.LastError)
}

func TestDetectMissingTools(t *testing.T) {
	d := Detector{LookPath: func(string) (string, error) { return "", exec.ErrNotFound }}
	settings := framework.DefaultSettings()
	settings.ToolsPath = t.TempDir()
	report, err := d.Detect(context.Background(), filepath.Join(t.TempDir(), "absent"), settings)
	require.NoError(t, err)
	assert.Zero(t, report.CueFiles)
	for _, tool := range report.Tools {
		assert.False(t, tool.Available, tool.Name)
	}
	_, ok := report.Tool("nope")
	assert.False(t, ok)
}

func TestSaveReport(t *testing.T) {
	ws := t.TempDir()
	path := DefaultReportPath(ws)
	require.Error(t, SaveReport(path, nil))
	require.NoError(t, SaveReport(path, &Report{Workspace: ws, CueFiles: 3}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 3, got.CueFiles)
}
