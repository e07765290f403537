package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	ctx = installLogger(ctx, newLogger(os.Stderr))

	root := newRootCmd()
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("console command failed")
		return 1
	}
	return 0
}

func newLogger(w io.Writer) pslog.Logger {
	return pslog.LoggerFromEnv(
		pslog.WithEnvWriter(w),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
}

// installLogger makes logger the context logger and routes the standard
// library log package through it.
func installLogger(ctx context.Context, logger pslog.Logger) context.Context {
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)
	return pslog.ContextWithLogger(ctx, logger)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "monitorconsole",
		Short:         "Admin console for remote screen monitoring and live feeds",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCommandCmd())
	root.AddCommand(newLiveCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// setupLogging creates a log file in dir named after the start time and
// returns it together with a writer teeing stderr into it. The caller
// closes the file.
func setupLogging(dir string) (*os.File, io.Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// log/2025-12-08_21-52-35.log
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(dir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logFile, io.MultiWriter(os.Stderr, logFile), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "monitorconsole %s\n", version)
			return err
		},
	}
}
