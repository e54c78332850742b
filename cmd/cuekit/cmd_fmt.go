package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

func newFmtCmd() *cobra.Command {
	var write bool
	var check bool
	var tool string
	cmd := &cobra.Command{
		Use:   "fmt [file.cue]",
		Short: "Format a CUE file with cueimports or cue fmt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := cliutils.CueDocument(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(doc)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(doc)
			if err != nil {
				return err
			}
			if tool == "" {
				tool = globalSettings.FormatTool
			}
			formatter := tools.NewFormatter(runner, logger.Named("fmt"))
			formatted, err := formatter.FormatText(cmd.Context(), tool, string(data))
			if err != nil {
				if errors.Is(err, tools.ErrToolMissing) {
					return fmt.Errorf("%s not found", formatToolName(tool))
				}
				return err
			}
			changed := formatted != string(data)
			switch {
			case check:
				if changed {
					fmt.Fprintln(cmd.OutOrStdout(), args[0])
					return exitError{code: 1}
				}
			case write:
				if !changed {
					return nil
				}
				if err := os.WriteFile(doc, []byte(formatted), info.Mode().Perm()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "formatted %s\n", args[0])
			default:
				fmt.Fprint(cmd.OutOrStdout(), formatted)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write the result back to the file")
	cmd.Flags().BoolVar(&check, "check", false, "Print the file name and exit 1 when it is not formatted")
	cmd.Flags().StringVar(&tool, "tool", "", `Formatter: "cueimports" or "cue fmt" (default from format_tool)`)
	return cmd
}

func formatToolName(tool string) string {
	if tool == framework.FormatToolCueFmt {
		return "cue"
	}
	return tools.ToolName
}
