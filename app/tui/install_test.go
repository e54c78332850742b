package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"

	"github.com/lexcodex/cuekit/diagnostics"
)

func update(t *testing.T, m InstallModel, msg tea.Msg) (InstallModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(InstallModel)
	require.True(t, ok)
	return model, cmd
}

func TestInstallModelTracksProgress(t *testing.T) {
	msgs := make(chan tea.Msg, 1)
	m := NewInstallModel("Installing cueimports", msgs)
	assert.Contains(t, m.View(), "checking latest release")

	m, cmd := update(t, m, ProgressMsg{Read: 512, Total: 1024})
	require.NotNil(t, cmd)
	assert.InDelta(t, 0.5, m.Percent(), 0.001)
	assert.Contains(t, m.View(), "512 B / 1.0 KiB")

	m, _ = update(t, m, ProgressMsg{Read: 4096, Total: 1024})
	assert.Equal(t, 1.0, m.Percent())
}

func TestInstallModelKeepsRecentLogLines(t *testing.T) {
	m := NewInstallModel("Installing", nil)
	for i := 0; i < maxLogLines+3; i++ {
		m, _ = update(t, m, LogMsg{Line: string(rune('a' + i))})
	}
	require.Len(t, m.lines, maxLogLines)
	assert.Equal(t, "d", m.lines[0])
}

func TestInstallModelDone(t *testing.T) {
	m := NewInstallModel("Installing", nil)
	m, cmd := update(t, m, DoneMsg{Summary: "cueimports v0.3.0 installed"})
	require.NotNil(t, cmd)
	assert.True(t, m.done)
	assert.Contains(t, m.View(), "cueimports v0.3.0 installed")

	failed, _ := update(t, NewInstallModel("Installing", nil), DoneMsg{Err: errors.New("no asset")})
	assert.Contains(t, failed.View(), "no asset")
}

func TestInstallModelStreamClosedWithoutResult(t *testing.T) {
	m, _ := update(t, NewInstallModel("Installing", nil), streamClosedMsg{})
	require.Error(t, m.err)
}

func TestInstallModelCancel(t *testing.T) {
	m, cmd := update(t, NewInstallModel("Installing", nil), tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, m.cancelled)
}

func TestWaitForMsgReadsChannel(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	ch <- LogMsg{Line: "hello"}
	assert.Equal(t, LogMsg{Line: "hello"}, waitForMsg(ch)())
	close(ch)
	assert.Equal(t, streamClosedMsg{}, waitForMsg(ch)())
	assert.Nil(t, waitForMsg(nil))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "10 B", humanBytes(10))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2<<20))
}

func TestRenderDiagnostics(t *testing.T) {
	assert.Contains(t, RenderDiagnostics(nil, ""), "no problems")

	base := t.TempDir()
	uri := diagnostics.FileURI(base + "/pkg/a.cue")
	out := RenderDiagnostics(diagnostics.Map{
		uri: {{
			Range:   protocol.Range{Start: protocol.Position{Line: 4, Character: 2}},
			Message: "conflict\nsecond line",
		}},
	}, base)
	assert.Contains(t, out, "pkg/a.cue")
	assert.Contains(t, out, "5:3")
	assert.Contains(t, out, "second line")
	assert.Contains(t, out, "1 problem(s) in 1 file(s)")
}
