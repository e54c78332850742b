package tools

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []framework.CommandRequest
	fn    func(req framework.CommandRequest) (string, string, error)
}

func (f *fakeRunner) Run(_ context.Context, req framework.CommandRequest) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn == nil {
		return "", "", nil
	}
	return f.fn(req)
}

func (f *fakeRunner) Calls() []framework.CommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]framework.CommandRequest(nil), f.calls...)
}

// exitError produces a genuine *exec.ExitError for runners to return.
func exitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 1").Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Skip("sh unavailable")
	}
	return err
}

func TestVetFlags(t *testing.T) {
	flags, skip := VetFlags(nil)
	assert.Equal(t, []string{"-c"}, flags)
	assert.True(t, skip)

	flags, skip = VetFlags([]string{"-c", "-t", "env=prod"})
	assert.Equal(t, []string{"-c", "-t", "env=prod"}, flags)
	assert.False(t, skip)
}

func TestLinterPublishesParsedDiagnostics(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "pkg", "doc.cue")
	exit := exitError(t)
	runner := &fakeRunner{fn: func(framework.CommandRequest) (string, string, error) {
		return "", "x: conflicting values 1 and 2:\n    ./doc.cue:3:4\n", exit
	}}
	sink := diagnostics.NewCollection()
	linter := NewLinter(runner, sink, nil)

	out, err := linter.Lint(context.Background(), LintRequest{Document: doc})
	require.NoError(t, err)
	require.Equal(t, 1, out.Count())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"cue", "vet", "-c"}, calls[0].Args)
	assert.Equal(t, filepath.Dir(doc), calls[0].Workdir)

	key := diagnostics.FileURI(doc)
	got := sink.Get(key)
	require.Len(t, got, 1)
	assert.Equal(t, "x: conflicting values 1 and 2", got[0].Message)
	assert.Equal(t, uint32(2), got[0].Range.Start.Line)
	assert.Equal(t, uint32(3), got[0].Range.Start.Character)
}

func TestLinterFileModeAndCustomFlags(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "doc.cue")
	runner := &fakeRunner{}
	linter := NewLinter(runner, nil, nil)

	_, err := linter.Lint(context.Background(), LintRequest{
		Document: doc,
		Flags:    []string{"-t", "env=prod"},
		Mode:     framework.LintFile,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cue", "vet", "-t", "env=prod", "doc.cue"}, runner.Calls()[0].Args)
}

func TestLinterCleanRunClearsSink(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "doc.cue")
	sink := diagnostics.NewCollection()
	sink.Replace(diagnostics.Map{diagnostics.FileURI(doc): nil})
	exit := exitError(t)

	calls := 0
	runner := &fakeRunner{fn: func(framework.CommandRequest) (string, string, error) {
		calls++
		if calls == 1 {
			return "", "bad:\n    ./doc.cue:1:1\n", exit
		}
		return "", "", nil
	}}
	linter := NewLinter(runner, sink, nil)

	_, err := linter.Lint(context.Background(), LintRequest{Document: doc})
	require.NoError(t, err)
	require.Equal(t, 1, sink.Len())

	out, err := linter.Lint(context.Background(), LintRequest{Document: doc})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, sink.Len())
}

func TestLinterIncompleteValuesFilteredByDefault(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "doc.cue")
	exit := exitError(t)
	stderr := "x: incomplete value string:\n    ./doc.cue:1:4\n"
	runner := &fakeRunner{fn: func(framework.CommandRequest) (string, string, error) {
		return "", stderr, exit
	}}
	linter := NewLinter(runner, nil, nil)

	out, err := linter.Lint(context.Background(), LintRequest{Document: doc})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = linter.Lint(context.Background(), LintRequest{Document: doc, Flags: []string{"-c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count())
}

func TestLinterMissingValidator(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "doc.cue")
	sink := diagnostics.NewCollection()
	sink.Replace(diagnostics.Map{diagnostics.FileURI(doc): {{Message: "stale"}}})
	runner := &fakeRunner{fn: func(framework.CommandRequest) (string, string, error) {
		return "", "", &exec.Error{Name: "cue", Err: exec.ErrNotFound}
	}}
	var events []framework.Event
	linter := NewLinter(runner, sink, nil)
	linter.Telemetry = framework.TelemetryFunc(func(e framework.Event) { events = append(events, e) })

	out, err := linter.Lint(context.Background(), LintRequest{Document: doc})
	require.ErrorIs(t, err, ErrToolMissing)
	assert.Empty(t, out)
	assert.Equal(t, 0, sink.Len())
	require.NotEmpty(t, events)
	assert.Equal(t, framework.EventLintStart, events[0].Type)
}

func TestLinterRequiresDocument(t *testing.T) {
	_, err := NewLinter(&fakeRunner{}, nil, nil).Lint(context.Background(), LintRequest{})
	require.Error(t, err)
}
