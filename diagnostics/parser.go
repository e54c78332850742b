// Package diagnostics turns `cue vet` error output into editor diagnostics.
//
// cue reports each error as one or more message lines followed by one or
// more location lines indented by at least two spaces:
//
//	field not allowed:
//	    ./a.cue:5:3
//	    ./b.cue:2:1
//
// A location line either carries a line and column or, for errors without a
// position, a trailing explanation (`    pkg/x.cue: missing import`).
package diagnostics

import (
	"regexp"
	"strconv"
	"strings"

	"go.lsp.dev/protocol"
)

// Source is reported on every diagnostic produced by Parse.
const Source = "cue"

// Map groups diagnostics by canonical file identity. Each list keeps the
// order in which the diagnostics were parsed and is never empty.
type Map map[protocol.DocumentURI][]protocol.Diagnostic

// Count returns the total number of diagnostics across all files.
func (m Map) Count() int {
	n := 0
	for _, diags := range m {
		n += len(diags)
	}
	return n
}

// ResolveFunc maps a file reference as printed by cue to its canonical identity.
type ResolveFunc func(file string) protocol.DocumentURI

// Options configures a Parse call.
type Options struct {
	// SkipIncomplete drops errors about incomplete or non-concrete values.
	// cue reports those for every unevaluated field when vet runs without -c.
	SkipIncomplete bool
	// Document is the path of the file the validation was run for. Errors
	// without a location are anchored there.
	Document string
	// Resolve canonicalizes file references. Defaults to DocumentResolver(Document).
	Resolve ResolveFunc
}

type lineKind int

const (
	lineMessage  lineKind = iota // not indented: part of an error message
	linePosition                 // indented file:line:col
	lineFileNote                 // indented file: text
	lineUnknown                  // indented but unrecognised
)

var (
	positionPattern = regexp.MustCompile(`^\s+(.+):(\d+):(\d+)$`)
	fileNotePattern = regexp.MustCompile(`^\s+(.+):\s+(.+)$`)
)

// location is the parsed form of a location line.
type location struct {
	file string
	line int
	col  int
	note string
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, "  ")
}

// classify matches a single output line against the location grammar. The
// position pattern is tried before the file note pattern.
func classify(line string) (lineKind, location) {
	if !isIndented(line) {
		return lineMessage, location{}
	}
	if m := positionPattern.FindStringSubmatch(line); m != nil {
		ln, lnErr := strconv.Atoi(m[2])
		col, colErr := strconv.Atoi(m[3])
		if lnErr == nil && colErr == nil {
			return linePosition, location{file: m[1], line: ln, col: col}
		}
	}
	if m := fileNotePattern.FindStringSubmatch(line); m != nil {
		return lineFileNote, location{file: m[1], note: m[2]}
	}
	return lineUnknown, location{}
}

// Parse converts raw validator output into diagnostics. It never fails:
// unrecognised location lines end the current error group early and the
// remaining lines are scanned as a new group.
func Parse(output string, opts Options) Map {
	result := Map{}
	if output == "" {
		return result
	}
	resolve := opts.Resolve
	if resolve == nil {
		resolve = DocumentResolver(opts.Document)
	}
	lines := splitLines(output)
	add := func(file string, line, col int, msg string) {
		if opts.SkipIncomplete && isIncomplete(msg) {
			return
		}
		key := resolve(file)
		result[key] = append(result[key], newDiagnostic(line, col, msg))
	}

	i := 0
	for i < len(lines) {
		var body []string
		for i < len(lines) {
			kind, _ := classify(lines[i])
			// An unrecognised indented line at the start of a group is a
			// group of its own; following message lines start the next one.
			if kind == lineUnknown && len(body) == 0 {
				body = append(body, strings.TrimSpace(lines[i]))
				i++
				break
			}
			if kind != lineMessage {
				break
			}
			body = append(body, lines[i])
			i++
		}
		msg := strings.TrimSuffix(strings.Join(body, "\n"), ":")

		if i >= len(lines) {
			if strings.TrimSpace(msg) != "" {
				add(opts.Document, 0, 0, msg)
			}
			break
		}

	locations:
		for i < len(lines) {
			kind, loc := classify(lines[i])
			switch kind {
			case linePosition:
				add(loc.file, loc.line, loc.col, msg)
			case lineFileNote:
				add(loc.file, 0, 0, msg+" "+loc.note)
			default:
				break locations
			}
			i++
		}
	}
	return result
}

func splitLines(output string) []string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isIncomplete(msg string) bool {
	return strings.HasPrefix(msg, "some instances are incomplete") ||
		strings.Contains(msg, "incomplete value") ||
		strings.Contains(msg, "non-concrete value")
}

// newDiagnostic builds a zero-width error diagnostic from 1-based coordinates.
func newDiagnostic(line, col int, msg string) protocol.Diagnostic {
	pos := protocol.Position{
		Line:      uint32(maxZero(line - 1)),
		Character: uint32(maxZero(col - 1)),
	}
	return protocol.Diagnostic{
		Range:    protocol.Range{Start: pos, End: pos},
		Severity: protocol.DiagnosticSeverityError,
		Source:   Source,
		Message:  msg,
	}
}

func maxZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
