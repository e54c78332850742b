package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/cmd/internal/cliutils"
	"github.com/lexcodex/cuekit/cmd/internal/toolchain"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/server"
)

func newServeCmd() *cobra.Command {
	var stdio bool
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if httpAddr != "" {
				api := &server.APIServer{
					Settings: globalSettings,
					Runner:   runner,
					Logger:   logger.Named("api"),
				}
				err := api.ServeContext(ctx, httpAddr)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			installer, closeHistory := cliutils.BuildInstaller(globalSettings, logger)
			defer closeHistory()
			events := make(chan toolchain.Event, 64)
			manager := toolchain.NewManager(installer, events, logger.Named("toolchain"))
			defer manager.Close()

			var telemetry framework.Telemetry
			if path := globalSettings.Logging.EventsFile; path != "" {
				sink, err := framework.NewJSONFileTelemetry(path)
				if err != nil {
					return fmt.Errorf("open events file: %w", err)
				}
				defer sink.Close()
				telemetry = sink
				installer.Telemetry = framework.MultiplexTelemetry{Sinks: []framework.Telemetry{installer.Telemetry, sink}}
			}

			srv := server.NewLSPServer(server.Config{
				Settings:  globalSettings,
				Runner:    runner,
				Tools:     manager,
				Logger:    logger.Named("lsp"),
				Version:   version,
				Telemetry: telemetry,
			})
			go forwardEvents(ctx, events, srv)

			logger.Info("language server starting", zap.String("workspace", flagWorkspace), zap.String("version", version))
			return srv.Serve(ctx, server.Stdio())
		},
	}
	// Editor clients commonly pass --stdio.
	cmd.Flags().BoolVar(&stdio, "stdio", true, "Communicate over stdin/stdout")
	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve the JSON lint/format API on this address instead")
	return cmd
}

type messageLogger interface {
	LogMessage(typ protocol.MessageType, message string)
}

// forwardEvents copies toolchain output to the editor's output channel.
func forwardEvents(ctx context.Context, events <-chan toolchain.Event, out messageLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if line, typ, ok := eventLine(evt); ok {
				out.LogMessage(typ, line)
			}
		}
	}
}

func eventLine(evt toolchain.Event) (string, protocol.MessageType, bool) {
	switch evt.Type {
	case toolchain.EventLogLine, toolchain.EventSkipped:
		if evt.Message == "" {
			return "", 0, false
		}
		return evt.Message, protocol.MessageTypeLog, true
	case toolchain.EventEnsureFailed:
		return evt.Tool + ": " + evt.Message, protocol.MessageTypeError, true
	default:
		return "", 0, false
	}
}
