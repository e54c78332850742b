package framework

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventLintStart        EventType = "lint_start"
	EventLintFinish       EventType = "lint_finish"
	EventInstallStart     EventType = "install_start"
	EventRelease          EventType = "release"
	EventDownloadProgress EventType = "download_progress"
	EventExtract          EventType = "extract"
	EventInstallDone      EventType = "install_done"
	EventInstallSkipped   EventType = "install_skipped"
	EventInstallFailed    EventType = "install_failed"
	EventLog              EventType = "log"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType              `json:"type"`
	Tool      string                 `json:"tool,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry receives events emitted by the linter and installer.
type Telemetry interface {
	Emit(event Event)
}

// TelemetryFunc adapts a function to Telemetry.
type TelemetryFunc func(Event)

// Emit calls f.
func (f TelemetryFunc) Emit(event Event) {
	if f != nil {
		f(event)
	}
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// LoggerTelemetry emits events through a zap logger. Download progress is
// logged at debug level since it fires once per chunk.
type LoggerTelemetry struct {
	Logger *zap.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		return
	}
	fields := []zap.Field{zap.String("event", string(event.Type))}
	if event.Tool != "" {
		fields = append(fields, zap.String("tool", event.Tool))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("meta", event.Metadata))
	}
	switch event.Type {
	case EventDownloadProgress:
		logger.Debug(event.Message, fields...)
	case EventInstallFailed:
		logger.Warn(event.Message, fields...)
	default:
		logger.Info(event.Message, fields...)
	}
}
