package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

// EventType enumerates toolchain lifecycle signals.
type EventType string

const (
	EventEnsureStart  EventType = "ensure_start"
	EventEnsureDone   EventType = "ensure_done"
	EventEnsureFailed EventType = "ensure_failed"
	EventProgress     EventType = "progress"
	EventSkipped      EventType = "skipped"
	EventShutdown     EventType = "shutdown"
	EventLogLine      EventType = "log_line"
)

// Event describes a toolchain lifecycle or log entry.
type Event struct {
	Type      EventType
	Tool      string
	Timestamp time.Time
	Message   string
	Err       error
	Metadata  map[string]any
}

type installFunc func(ctx context.Context, force bool) (*tools.InstallResult, error)

// Manager keeps the external CUE tooling available for the server and CLI.
type Manager struct {
	toolsPath string
	installer *tools.Installer
	eventSink chan<- Event
	logger    *zap.Logger

	install  installFunc
	lookPath func(string) (string, error)

	mu        sync.RWMutex
	lastEvent *Event
	lastRun   *tools.InstallResult
}

// NewManager wires installer into a manager that reports on sink. The
// manager registers itself as the installer's telemetry so download progress
// reaches sink as well.
func NewManager(installer *tools.Installer, sink chan<- Event, logger *zap.Logger) *Manager {
	m := &Manager{
		installer: installer,
		eventSink: sink,
		logger:    framework.LoggerOrNop(logger),
		lookPath:  exec.LookPath,
	}
	if installer != nil {
		m.toolsPath = installer.ToolsPath
		m.install = installer.Install
		installer.Telemetry = framework.MultiplexTelemetry{Sinks: []framework.Telemetry{
			m,
			framework.LoggerTelemetry{Logger: installer.Logger},
		}}
	}
	return m
}

// EnsureTools reports whether cueimports is usable from PATH. When it is
// installed outside PATH the user is told how to fix that; when it is not
// installed at all an install is started and false is returned.
func (m *Manager) EnsureTools(ctx context.Context) bool {
	if _, err := m.lookPath(tools.ToolName); err == nil {
		return true
	}
	if m.installer != nil {
		if path, ok := m.installer.Installed(); ok {
			m.logf("%s is installed in %s but not in the path", tools.ToolName, path)
			m.logf("Add %s to your PATH or set toolsPath to a directory on it", m.toolsPath)
			return false
		}
	}
	m.logf("%s not found, installing it into %s", tools.ToolName, m.toolsPath)
	if _, err := m.run(ctx, true); err != nil {
		m.logger.Warn("install failed", zap.Error(err))
	}
	return false
}

// EnsureLatest updates cueimports when a newer release exists.
func (m *Manager) EnsureLatest(ctx context.Context) (*tools.InstallResult, error) {
	return m.run(ctx, false)
}

// Update reinstalls cueimports from the latest release.
func (m *Manager) Update(ctx context.Context) (*tools.InstallResult, error) {
	return m.run(ctx, true)
}

func (m *Manager) run(ctx context.Context, force bool) (*tools.InstallResult, error) {
	if m.install == nil {
		return nil, errors.New("no installer configured")
	}
	m.emit(Event{Type: EventEnsureStart, Tool: tools.ToolName, Timestamp: time.Now(), Metadata: map[string]any{"force": force}})
	result, err := m.install(ctx, force)
	if err != nil {
		m.emit(Event{Type: EventEnsureFailed, Tool: tools.ToolName, Timestamp: time.Now(), Err: err, Message: err.Error()})
		return nil, err
	}
	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()
	if result != nil && !result.Installed {
		m.emit(Event{Type: EventSkipped, Tool: tools.ToolName, Timestamp: time.Now(), Message: result.Reason})
	}
	m.emit(Event{Type: EventEnsureDone, Tool: tools.ToolName, Timestamp: time.Now(), Metadata: resultMetadata(result)})
	return result, nil
}

// Emit forwards installer telemetry to the event sink.
func (m *Manager) Emit(evt framework.Event) {
	out := Event{Tool: evt.Tool, Timestamp: evt.Timestamp, Message: evt.Message, Metadata: evt.Metadata}
	switch evt.Type {
	case framework.EventLog:
		out.Type = EventLogLine
	case framework.EventDownloadProgress:
		out.Type = EventProgress
	case framework.EventInstallFailed:
		out.Type = EventLogLine
		out.Message = fmt.Sprintf("install failed: %s", evt.Message)
	default:
		return
	}
	m.emit(out)
}

// LastResult returns the outcome of the most recent successful run.
func (m *Manager) LastResult() *tools.InstallResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRun
}

// Describe returns status metadata for display.
func (m *Manager) Describe() map[string]any {
	info := map[string]any{
		"tools_path": m.toolsPath,
	}
	if path, err := m.lookPath(tools.ToolName); err == nil {
		info["binary"] = path
		info["on_path"] = true
	} else if m.installer != nil {
		if path, ok := m.installer.Installed(); ok {
			info["binary"] = path
		}
		info["on_path"] = false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastRun != nil {
		info["last_run"] = resultMetadata(m.lastRun)
	}
	if m.lastEvent != nil {
		info["last_event"] = string(m.lastEvent.Type)
		info["last_event_at"] = m.lastEvent.Timestamp
	}
	return info
}

// Close signals that no more events will be sent.
func (m *Manager) Close() {
	m.emit(Event{Type: EventShutdown, Tool: tools.ToolName, Timestamp: time.Now()})
}

func (m *Manager) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Info(msg)
	m.emit(Event{Type: EventLogLine, Tool: tools.ToolName, Timestamp: time.Now(), Message: msg})
}

func (m *Manager) emit(evt Event) {
	if evt.Type != EventProgress {
		m.mu.Lock()
		m.lastEvent = &evt
		m.mu.Unlock()
	}
	if m.eventSink == nil {
		return
	}
	select {
	case m.eventSink <- evt:
	default:
	}
}

func resultMetadata(result *tools.InstallResult) map[string]any {
	if result == nil {
		return nil
	}
	return map[string]any{
		"tag":       result.Tag,
		"asset":     result.Asset,
		"path":      result.Path,
		"installed": result.Installed,
		"reason":    result.Reason,
	}
}
