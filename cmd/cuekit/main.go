package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/framework"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	flagWorkspace string
	flagConfig    string
	flagLogLevel  string

	globalSettings *framework.Settings
	logger         = zap.NewNop()
)

func main() {
	root := newRootCmd()
	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		if code, ok := exitCode(err); ok {
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cuekit",
		Short:         "CUE validation, formatting and tool management for editors",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ws, err := cliutils.ResolveWorkspace(flagWorkspace)
			if err != nil {
				return err
			}
			flagWorkspace = ws
			if flagConfig == "" {
				flagConfig = framework.DefaultConfigPath(ws)
			}
			settings, err := framework.LoadSettings(flagConfig)
			if err != nil {
				return fmt.Errorf("load %s: %w", flagConfig, err)
			}
			if flagLogLevel != "" {
				settings.Logging.Level = strings.ToLower(flagLogLevel)
			}
			globalSettings = settings
			l, err := framework.NewLogger(settings.Logging)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "Workspace directory")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to the cuekit settings file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newLintCmd(),
		newFmtCmd(),
		newToolsCmd(),
		newConfigCmd(),
	)
	return root
}

// exitError carries a process exit status without an error message.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) (int, bool) {
	if e, ok := err.(exitError); ok {
		return e.code, true
	}
	return 0, false
}
