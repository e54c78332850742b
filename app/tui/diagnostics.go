package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lexcodex/cuekit/diagnostics"
)

// RenderDiagnostics formats a lint result for the terminal. Paths are shown
// relative to base when possible; positions are printed 1-based.
func RenderDiagnostics(m diagnostics.Map, base string) string {
	if m.Count() == 0 {
		return completedStyle.Render("✓ no problems found") + "\n"
	}
	var b strings.Builder
	for _, uri := range diagnostics.SortedURIs(m) {
		path := diagnostics.URIToPath(uri)
		if base != "" {
			if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
				path = rel
			}
		}
		b.WriteString(filePathStyle.Render(path))
		b.WriteString("\n")
		for _, d := range m[uri] {
			pos := fmt.Sprintf("%d:%d", d.Range.Start.Line+1, d.Range.Start.Character+1)
			lines := strings.Split(d.Message, "\n")
			b.WriteString("  ")
			b.WriteString(positionStyle.Render(pos))
			b.WriteString(" ")
			b.WriteString(errorStyle.Render(lines[0]))
			b.WriteString("\n")
			for _, extra := range lines[1:] {
				b.WriteString("      ")
				b.WriteString(extra)
				b.WriteString("\n")
			}
		}
	}
	summary := fmt.Sprintf("%d problem(s) in %d file(s)", m.Count(), len(m))
	b.WriteString(boxStyle.Render(errorStyle.Render(summary)))
	b.WriteString("\n")
	return b.String()
}
