package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexcodex/cuekit/app/tui"
	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

func newLintCmd() *cobra.Command {
	var mode string
	var flags []string
	cmd := &cobra.Command{
		Use:   "lint [file.cue]",
		Short: "Validate the package containing a CUE file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := cliutils.CueDocument(args[0])
			if err != nil {
				return err
			}
			req := tools.LintRequest{
				Document: doc,
				Flags:    globalSettings.LintFlags,
				Mode:     lintMode(mode, globalSettings.LintOnSave),
			}
			if cmd.Flags().Changed("flag") {
				req.Flags = flags
			}
			collection := diagnostics.NewCollection()
			linter := tools.NewLinter(runner, collection, logger.Named("lint"))
			result, err := linter.Lint(cmd.Context(), req)
			if err != nil {
				if errors.Is(err, tools.ErrToolMissing) {
					return fmt.Errorf("cue not found on PATH: %w", err)
				}
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tui.RenderDiagnostics(result, flagWorkspace))
			if result.Count() > 0 {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Lint scope: file or package (default from lint_on_save)")
	cmd.Flags().StringArrayVar(&flags, "flag", nil, "Flag passed to cue vet, repeatable (overrides lint_flags)")
	return cmd
}

// lintMode picks the vet scope. A configured "off" only disables lint on
// save, an explicit lint still runs over the package.
func lintMode(flag, configured string) string {
	switch flag {
	case framework.LintFile, framework.LintPackage:
		return flag
	}
	if configured == framework.LintFile {
		return framework.LintFile
	}
	return framework.LintPackage
}

// runner is swapped in tests.
var runner framework.CommandRunner = framework.NewLocalCommandRunner()
