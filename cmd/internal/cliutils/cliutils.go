package cliutils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/persistence"
	"github.com/lexcodex/cuekit/tools"
)

// ResolveWorkspace returns workspace as an absolute path, defaulting to the
// current directory.
func ResolveWorkspace(workspace string) (string, error) {
	if strings.TrimSpace(workspace) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		workspace = wd
	}
	return filepath.Abs(workspace)
}

// IsCueFile reports whether path names a CUE source file.
func IsCueFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".cue")
}

// CueDocument validates a CLI file argument and returns its absolute path.
func CueDocument(path string) (string, error) {
	if !IsCueFile(path) {
		return "", fmt.Errorf("%s is not a .cue file", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New(path + " is a directory")
	}
	return abs, nil
}

// BuildInstaller wires an installer for settings. Release history is kept in
// the state database when it can be opened; otherwise the installer runs
// without it. The returned cleanup closes the database.
func BuildInstaller(settings *framework.Settings, logger *zap.Logger) (*tools.Installer, func()) {
	logger = framework.LoggerOrNop(logger)
	installer := tools.NewInstaller(settings.ResolvedToolsPath(), logger.Named("installer"))
	store, err := persistence.NewInstallStore(settings.ResolvedStatePath())
	if err != nil {
		logger.Warn("install history unavailable", zap.Error(err))
		return installer, func() {}
	}
	installer.History = store
	return installer, func() {
		if err := store.Close(); err != nil {
			logger.Debug("closing install history", zap.Error(err))
		}
	}
}
