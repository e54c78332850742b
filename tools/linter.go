package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
)

// ErrToolMissing reports that an external executable could not be found.
var ErrToolMissing = errors.New("tool not found")

// DefaultVetFlags are used when the user configured no lint flags.
var DefaultVetFlags = []string{"-c"}

// LintRequest describes a single validation pass.
type LintRequest struct {
	Document string
	Flags    []string
	// Mode is framework.LintFile to vet only Document, anything else vets
	// the whole package in Document's directory.
	Mode string
}

// Linter runs `cue vet` and turns its stderr into diagnostics.
type Linter struct {
	Command   string
	Runner    framework.CommandRunner
	Sink      diagnostics.Sink
	Telemetry framework.Telemetry
	Logger    *zap.Logger
}

// NewLinter builds a linter that publishes into sink.
func NewLinter(runner framework.CommandRunner, sink diagnostics.Sink, logger *zap.Logger) *Linter {
	if runner == nil {
		runner = framework.NewLocalCommandRunner()
	}
	return &Linter{
		Command: "cue",
		Runner:  runner,
		Sink:    sink,
		Logger:  framework.LoggerOrNop(logger),
	}
}

// VetFlags returns the flags to pass to cue vet and whether incomplete-value
// errors must be filtered. Without user flags the default -c is used, which
// makes cue report incomplete values as errors, so those get filtered.
func VetFlags(user []string) ([]string, bool) {
	if len(user) == 0 {
		return append([]string(nil), DefaultVetFlags...), true
	}
	return append([]string(nil), user...), false
}

// Lint validates the package containing req.Document. The sink receives the
// complete result of the pass, replacing whatever it held before; when the
// validator cannot run at all the sink is cleared.
func (l *Linter) Lint(ctx context.Context, req LintRequest) (diagnostics.Map, error) {
	if req.Document == "" {
		return nil, errors.New("document path required")
	}
	logger := framework.LoggerOrNop(l.Logger)
	command := l.Command
	if command == "" {
		command = "cue"
	}
	flags, skipIncomplete := VetFlags(req.Flags)
	args := append([]string{command, "vet"}, flags...)
	if req.Mode == framework.LintFile {
		args = append(args, filepath.Base(req.Document))
	}
	dir := filepath.Dir(req.Document)

	start := time.Now()
	l.emit(framework.Event{
		Type:      framework.EventLintStart,
		Tool:      command,
		Timestamp: start,
		Metadata:  map[string]interface{}{"document": req.Document, "args": args[1:]},
	})

	_, stderr, err := l.Runner.Run(ctx, framework.CommandRequest{Workdir: dir, Args: args})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if framework.IsCommandNotFound(err) {
			logger.Warn("validator not found", zap.String("command", command), zap.Error(err))
			l.replace(diagnostics.Map{})
			return diagnostics.Map{}, fmt.Errorf("%w: %s", ErrToolMissing, command)
		}
		if framework.ExitCode(err) < 0 {
			logger.Warn("validator failed to run", zap.String("dir", dir), zap.Error(err))
			l.replace(diagnostics.Map{})
			return diagnostics.Map{}, fmt.Errorf("run %s vet: %w", command, err)
		}
	}

	result := diagnostics.Parse(stderr, diagnostics.Options{
		SkipIncomplete: skipIncomplete,
		Document:       req.Document,
	})
	l.replace(result)
	logger.Debug("lint finished",
		zap.String("document", req.Document),
		zap.Int("files", len(result)),
		zap.Int("diagnostics", result.Count()),
		zap.Duration("elapsed", time.Since(start)))
	l.emit(framework.Event{
		Type:      framework.EventLintFinish,
		Tool:      command,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"document": req.Document, "diagnostics": result.Count()},
	})
	return result, nil
}

func (l *Linter) replace(m diagnostics.Map) {
	if l.Sink != nil {
		l.Sink.Replace(m)
	}
}

func (l *Linter) emit(evt framework.Event) {
	if l.Telemetry != nil {
		l.Telemetry.Emit(evt)
	}
}
