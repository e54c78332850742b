package diagnostics

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// ModuleMarker is the directory that identifies the root of a CUE module.
const ModuleMarker = "cue.mod"

// FindModuleRoot walks up from dir looking for a cue.mod directory and
// returns the directory containing it.
func FindModuleRoot(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ModuleMarker)); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// DocumentResolver resolves file references the way cue prints them when
// run from the directory of document: paths starting with "." are relative
// to that directory, anything else is relative to the module root. Without
// a module root the base is empty and paths resolve against the process
// working directory.
func DocumentResolver(document string) ResolveFunc {
	docDir := filepath.Dir(document)
	var (
		moduleRoot string
		looked     bool
	)
	return func(file string) protocol.DocumentURI {
		if filepath.IsAbs(file) {
			return FileURI(file)
		}
		var base string
		if strings.HasPrefix(file, ".") {
			base = docDir
		} else {
			if !looked {
				moduleRoot, _ = FindModuleRoot(docDir)
				looked = true
			}
			base = moduleRoot
		}
		return FileURI(filepath.Join(base, file))
	}
}

// FileURI converts a filesystem path to an absolute file:// URI.
func FileURI(path string) protocol.DocumentURI {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return protocol.DocumentURI(uri.File(path))
}

// URIToPath converts a file:// URI back to a filesystem path. Inputs that
// are not file URIs are returned unchanged.
func URIToPath(u protocol.DocumentURI) string {
	s := string(u)
	if !strings.HasPrefix(s, "file://") {
		return s
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return strings.TrimPrefix(s, "file://")
	}
	return filepath.FromSlash(parsed.Path)
}
