package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/lexcodex/cuekit/app/tui"
	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/cmd/internal/setup"
	"github.com/lexcodex/cuekit/cmd/internal/toolchain"
	"github.com/lexcodex/cuekit/persistence"
	"github.com/lexcodex/cuekit/tools"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Install and inspect the external CUE tooling",
	}
	cmd.AddCommand(newToolsEnsureCmd(), newToolsUpdateCmd(), newToolsHistoryCmd(), newToolsStatusCmd())
	return cmd
}

type installOp func(ctx context.Context, m *toolchain.Manager) (*tools.InstallResult, error)

func newToolsEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Install cueimports if missing, update it when a newer release exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, "Checking "+tools.ToolName, func(ctx context.Context, m *toolchain.Manager) (*tools.InstallResult, error) {
				if m.EnsureTools(ctx) {
					return m.EnsureLatest(ctx)
				}
				if result := m.LastResult(); result != nil {
					return result, nil
				}
				if _, ok := m.Describe()["binary"]; ok {
					return &tools.InstallResult{Reason: "installed but not on PATH"}, nil
				}
				return nil, errNotInstalled
			})
		},
	}
}

func newToolsUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Reinstall cueimports from the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, "Updating "+tools.ToolName, func(ctx context.Context, m *toolchain.Manager) (*tools.InstallResult, error) {
				return m.Update(ctx)
			})
		},
	}
}

func newToolsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded cueimports installs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewInstallStore(globalSettings.ResolvedStatePath())
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.ListInstalls(cmd.Context(), tools.ToolName, limit)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tui.RenderHistory(records))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of installs to show")
	return cmd
}

func newToolsStatusCmd() *cobra.Command {
	var asJSON bool
	var save bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Detect cue and cueimports and summarise the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := setup.Detector{Runner: runner}.Detect(cmd.Context(), flagWorkspace, globalSettings)
			if err != nil {
				return err
			}
			if save {
				if err := setup.SaveReport(setup.DefaultReportPath(flagWorkspace), report); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprint(out, renderReport(report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&save, "save", false, "Write the report to cuekit_cfg/environment.json")
	return cmd
}

func renderReport(report *setup.Report) string {
	rows := make([][]string, 0, len(report.Tools))
	for _, t := range report.Tools {
		state := "missing"
		switch {
		case t.Available && t.OnPath:
			state = "ok"
		case t.Available:
			state = "not on PATH"
		}
		detail := t.Version
		if t.LastError != "" {
			detail = t.LastError
		}
		rows = append(rows, []string{t.Name, state, t.CommandPath, detail})
	}
	var b strings.Builder
	fmt.Fprintf(&b, "workspace:   %s\n", report.Workspace)
	if report.ModuleRoot != "" {
		fmt.Fprintf(&b, "module root: %s\n", report.ModuleRoot)
	}
	fmt.Fprintf(&b, "cue files:   %d\n", report.CueFiles)
	fmt.Fprintf(&b, "tools path:  %s\n", report.ToolsPath)
	b.WriteString(tui.RenderTable([]string{"Tool", "State", "Path", "Version"}, rows))
	return b.String()
}

// runInstall drives op with a progress view on a terminal and plain log lines
// otherwise.
func runInstall(cmd *cobra.Command, title string, op installOp) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	installer, closeHistory := cliutils.BuildInstaller(globalSettings, logger)
	defer closeHistory()
	installer.Runner = runner
	events := make(chan toolchain.Event, 64)
	manager := toolchain.NewManager(installer, events, logger.Named("toolchain"))

	out := cmd.OutOrStdout()
	if isTerminal(out) {
		msgs := make(chan tea.Msg, 64)
		go pumpEvents(ctx, events, msgs)
		go func() {
			result, err := op(ctx, manager)
			select {
			case msgs <- tui.DoneMsg{Summary: summarize(result), Err: err}:
			case <-ctx.Done():
			}
		}()
		return tui.RunInstall(ctx, title, msgs, out)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(ctx, events, cmd.ErrOrStderr())
	}()
	result, err := op(ctx, manager)
	cancel()
	<-done
	if err != nil {
		return err
	}
	fmt.Fprintln(out, summarize(result))
	return nil
}

func summarize(result *tools.InstallResult) string {
	switch {
	case result == nil:
		return tools.ToolName + " unchanged"
	case result.Installed:
		return fmt.Sprintf("%s %s installed to %s", tools.ToolName, result.Tag, result.Path)
	case result.Reason != "":
		return fmt.Sprintf("%s up to date (%s)", tools.ToolName, result.Reason)
	default:
		return tools.ToolName + " up to date"
	}
}

// eventMsg converts a toolchain event into a progress view message.
func eventMsg(evt toolchain.Event) (tea.Msg, bool) {
	switch evt.Type {
	case toolchain.EventProgress:
		read, _ := evt.Metadata["read"].(int64)
		total, _ := evt.Metadata["total"].(int64)
		return tui.ProgressMsg{Read: read, Total: total}, true
	case toolchain.EventLogLine, toolchain.EventSkipped:
		if evt.Message == "" {
			return nil, false
		}
		return tui.LogMsg{Line: evt.Message}, true
	}
	return nil, false
}

func pumpEvents(ctx context.Context, events <-chan toolchain.Event, msgs chan<- tea.Msg) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			msg, ok := eventMsg(evt)
			if !ok {
				continue
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// printEvents writes log lines until ctx ends, then drains what is buffered.
func printEvents(ctx context.Context, events <-chan toolchain.Event, w io.Writer) {
	write := func(evt toolchain.Event) {
		if msg, ok := eventMsg(evt); ok {
			if line, ok := msg.(tui.LogMsg); ok {
				fmt.Fprintln(w, line.Line)
			}
		}
	}
	for {
		select {
		case evt := <-events:
			write(evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-events:
					write(evt)
				default:
					return
				}
			}
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var errNotInstalled = errors.New(tools.ToolName + " is not installed")
