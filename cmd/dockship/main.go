package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/shell/report"
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitAuth         = 2
	ExitUnreachable  = 3
	ExitTransfer     = 4
	ExitBuild        = 5
	ExitOrchestrator = 6
	ExitTimeout      = 7
	ExitVerification = 8
	ExitOther        = 9
)

// configError marks errors in configuration or command line usage.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// ExitCodeFor maps a command error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cErr *configError
	if errors.As(err, &cErr) {
		return ExitConfigError
	}
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}

	switch domain.Kind(err) {
	case domain.ErrAuth:
		return ExitAuth
	case domain.ErrUnreachable:
		return ExitUnreachable
	case domain.ErrTransfer:
		return ExitTransfer
	case domain.ErrBuild:
		return ExitBuild
	case domain.ErrOrchestration:
		return ExitOrchestrator
	case domain.ErrTimeout:
		return ExitTimeout
	case domain.ErrVerification:
		return ExitVerification
	case domain.ErrPreflight, domain.ErrInvalidRequest, domain.ErrEnvInvalid:
		return ExitConfigError
	default:
		return ExitOther
	}
}

// =============================================================================
// Main
// =============================================================================

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dockship: %v\n", err)
	}
	return ExitCodeFor(err)
}

// app is the state shared by all commands, set up before each one runs.
type app struct {
	configPath string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "dockship",
		Short: "Push-to-deploy a Docker Compose project to a remote host",
		Long: `dockship mirrors a source tree to a remote host over SSH, writes the
secrets file, rebuilds and restarts the compose project, and verifies that
its services are running.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &configError{err: fmt.Errorf("%w\nrun '%s --help' for usage", err, cmd.CommandPath())}
	})

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default ./"+DefaultConfigFile+" if present)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	cmd.PersistentFlags().StringP("format", "o", "", "Report format: text, json or yaml")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	cmd.AddCommand(
		newDeployCmd(a),
		newStatusCmd(a),
		newRenderEnvCmd(a),
		newServeCmd(a),
		newHistoryCmd(a),
		newKeygenCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := LoadConfig(a.configPath, cmd.Flags())
	if err != nil {
		return &configError{err: err}
	}
	if _, err := report.ParseFormat(cfg.Report.Format); err != nil {
		return &configError{err: err}
	}
	a.cfg = cfg
	a.logger = SetupLogger(cfg)
	return nil
}

func (a *app) printer(cmd *cobra.Command) *report.Printer {
	format, _ := report.ParseFormat(a.cfg.Report.Format)
	return report.New(cmd.OutOrStdout(), format, a.cfg.Report.NoColor)
}

// openHistory opens the run history store, creating its directory.
func openHistory(dsn string) (*store.SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	return store.NewSQLiteStore(dsn)
}

// =============================================================================
// Version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "dockship %s (built %s)\n", Version, BuildTime)
			return err
		},
	}
}
