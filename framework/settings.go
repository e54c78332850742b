package framework

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const configDirName = "cuekit_cfg"

// Formatter backends.
const (
	FormatToolCueImports = "cueimports"
	FormatToolCueFmt     = "cue fmt"
)

// Lint-on-save modes.
const (
	LintOff     = "off"
	LintFile    = "file"
	LintPackage = "package"
)

// Settings is the configuration surface shared by the CLI and the language
// server. YAML keys are used on disk, JSON keys arrive from the editor.
type Settings struct {
	FormatTool string        `yaml:"format_tool" json:"formatTool"`
	LintOnSave string        `yaml:"lint_on_save" json:"lintOnSave"`
	LintFlags  []string      `yaml:"lint_flags" json:"lintFlags"`
	ToolsPath  string        `yaml:"tools_path" json:"toolsPath"`
	StatePath  string        `yaml:"state_path" json:"statePath"`
	Logging    LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig describes log output.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	// EventsFile receives lint and install telemetry as JSON lines.
	EventsFile string `yaml:"events_file" json:"eventsFile"`
}

// ConfigDir returns the workspace-local configuration directory.
func ConfigDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, configDirName)
}

// DefaultConfigPath returns cuekit_cfg/config.yaml within the workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(ConfigDir(workspace), "config.yaml")
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() *Settings {
	return &Settings{
		FormatTool: FormatToolCueImports,
		LintOnSave: LintPackage,
		Logging:    LoggingConfig{Level: "info"},
	}
}

// LoadSettings loads the YAML settings file or returns defaults when missing.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, err
	}
	cfg := DefaultSettings()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// SaveSettings writes the settings to disk.
func SaveSettings(path string, cfg *Settings) error {
	if cfg == nil {
		return errors.New("settings missing")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// MergeJSON overlays editor-provided settings on a copy of s. Fields missing
// from raw keep their current values.
func (s *Settings) MergeJSON(raw []byte) (*Settings, error) {
	out := s.Clone()
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	out.Normalize()
	return out, nil
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return DefaultSettings()
	}
	out := *s
	out.LintFlags = append([]string(nil), s.LintFlags...)
	return &out
}

// Normalize fills unset or unknown values with defaults.
func (s *Settings) Normalize() {
	if s == nil {
		return
	}
	s.FormatTool = strings.TrimSpace(s.FormatTool)
	if s.FormatTool != FormatToolCueFmt {
		s.FormatTool = FormatToolCueImports
	}
	switch strings.ToLower(strings.TrimSpace(s.LintOnSave)) {
	case LintOff:
		s.LintOnSave = LintOff
	case LintFile:
		s.LintOnSave = LintFile
	default:
		s.LintOnSave = LintPackage
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
}

// ResolvedToolsPath returns the tools installation directory with
// environment variables and a leading ~ expanded. Defaults to ~/.bin.
func (s *Settings) ResolvedToolsPath() string {
	home, _ := os.UserHomeDir()
	if s == nil || strings.TrimSpace(s.ToolsPath) == "" {
		return filepath.Join(home, ".bin")
	}
	return expandPath(s.ToolsPath, home)
}

// ResolvedStatePath returns the SQLite state database location.
func (s *Settings) ResolvedStatePath() string {
	home, _ := os.UserHomeDir()
	if s != nil && strings.TrimSpace(s.StatePath) != "" {
		return expandPath(s.StatePath, home)
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = filepath.Join(home, ".cache")
	}
	return filepath.Join(cache, "cuekit", "state.db")
}

func expandPath(path, home string) string {
	path = os.ExpandEnv(path)
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
