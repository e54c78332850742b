package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf16"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/framework"
)

// FormatError carries tool output that should be shown to the user.
type FormatError struct {
	Tool   string
	Output string
}

func (e *FormatError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return e.Tool + " failed"
	}
	return out
}

// Formatter formats CUE sources with `cue fmt` or cueimports.
type Formatter struct {
	Runner framework.CommandRunner
	Logger *zap.Logger
}

// NewFormatter builds a formatter on top of runner.
func NewFormatter(runner framework.CommandRunner, logger *zap.Logger) *Formatter {
	if runner == nil {
		runner = framework.NewLocalCommandRunner()
	}
	return &Formatter{Runner: runner, Logger: framework.LoggerOrNop(logger)}
}

// FormatText returns the formatted form of text using tool.
func (f *Formatter) FormatText(ctx context.Context, tool, text string) (string, error) {
	if tool == framework.FormatToolCueFmt {
		return f.cueFmt(ctx, text)
	}
	return f.cueImports(ctx, text)
}

// Format returns the edits that turn text into its formatted form: nothing
// when already formatted, otherwise one whole-document replacement.
func (f *Formatter) Format(ctx context.Context, tool, text string) ([]protocol.TextEdit, error) {
	formatted, err := f.FormatText(ctx, tool, text)
	if err != nil {
		return nil, err
	}
	if formatted == text {
		return nil, nil
	}
	return []protocol.TextEdit{{
		Range: protocol.Range{
			Start: protocol.Position{},
			End:   EndPosition(text),
		},
		NewText: formatted,
	}}, nil
}

// cueFmt formats a staged copy of the document since cue fmt only rewrites files.
func (f *Formatter) cueFmt(ctx context.Context, text string) (string, error) {
	var formatted string
	err := framework.WithTempFile("file.cue", func(path string) error {
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return err
		}
		_, stderr, err := f.Runner.Run(ctx, framework.CommandRequest{Args: []string{"cue", "fmt", path}})
		if err != nil {
			if framework.IsCommandNotFound(err) {
				return fmt.Errorf("%w: cue", ErrToolMissing)
			}
			framework.LoggerOrNop(f.Logger).Warn("cue fmt failed", zap.Error(err), zap.String("stderr", stderr))
			return &FormatError{Tool: "cue fmt", Output: stderr}
		}
		if strings.TrimSpace(stderr) != "" {
			return &FormatError{Tool: "cue fmt", Output: stderr}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		formatted = string(data)
		return nil
	})
	return formatted, err
}

func (f *Formatter) cueImports(ctx context.Context, text string) (string, error) {
	stdout, stderr, err := f.Runner.Run(ctx, framework.CommandRequest{
		Args:  []string{ToolName},
		Input: text,
	})
	if err != nil {
		if framework.IsCommandNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrToolMissing, ToolName)
		}
		framework.LoggerOrNop(f.Logger).Warn("cueimports failed", zap.Error(err), zap.String("stderr", stderr))
		return "", &FormatError{Tool: ToolName, Output: stderr}
	}
	return stdout, nil
}

// EndPosition returns the position just past the last character of text,
// with the character offset counted in UTF-16 code units.
func EndPosition(text string) protocol.Position {
	line := strings.Count(text, "\n")
	last := text
	if idx := strings.LastIndex(text, "\n"); idx >= 0 {
		last = text[idx+1:]
	}
	return protocol.Position{
		Line:      uint32(line),
		Character: uint32(len(utf16.Encode([]rune(last)))),
	}
}
