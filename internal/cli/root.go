// Package cli implements the csvsync command line: the sync command, token
// management and the terminal output around a run.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvsync/internal/config"
	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/credentials"
	"github.com/JonMunkholm/csvsync/internal/logging"
)

// Process exit codes.
const (
	ExitOK    = 0
	ExitFatal = 1
	ExitUsage = 2
)

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// isUsage reports whether err came from bad command line input. Cobra
// reports unknown subcommands as plain errors.
func isUsage(err error) bool {
	var uerr *usageError
	return errors.As(err, &uerr) || strings.HasPrefix(err.Error(), "unknown command")
}

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// tokenStore is the part of credentials.Store the commands use.
type tokenStore interface {
	Token(remoteURL string) (string, error)
	SetToken(remoteURL, token string) error
	DeleteToken(remoteURL string) error
}

type app struct {
	version string
	out     io.Writer
	errOut  io.Writer

	openTokens func() (tokenStore, error)

	// set by the root command before any subcommand runs
	cfg      *config.CLIConfig
	logger   *slog.Logger
	closeLog func() error

	remoteFlag string
	tokenFlag  string
	verbose    bool
	logFile    string
}

func newApp(version string, out, errOut io.Writer) *app {
	return &app{
		version: version,
		out:     out,
		errOut:  errOut,
		openTokens: func() (tokenStore, error) {
			return credentials.Open()
		},
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version string, args []string) int {
	return newApp(version, os.Stdout, os.Stderr).run(ctx, args)
}

func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.ExecuteContext(ctx)
	if a.closeLog != nil {
		_ = a.closeLog()
	}
	if err == nil {
		return ExitOK
	}

	pterm.Error.WithWriter(a.errOut).Println(logging.Mask(err.Error()))
	if isUsage(err) {
		fmt.Fprintln(a.errOut, "Run 'csvsync --help' for usage.")
		return ExitUsage
	}
	if core.IsUserFacing(err) {
		pterm.Info.WithWriter(a.errOut).Println(core.FormatUserError(err))
	}
	return ExitFatal
}

func (a *app) rootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "csvsync",
		Short: "Sync CSV files into remote tables",
		Long: `csvsync uploads a CSV file into a table on a csvsync server, creating the
table or reconciling it with an existing one. Re-running with --merge against
unchanged input changes nothing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(a.out, "csvsync %s\n", a.version)
				return nil
			}
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.remoteFlag, "remote", "", "server URL (default from CSVSYNC_REMOTE_URL)")
	pf.StringVar(&a.tokenFlag, "token", "", "API token (default from CSVSYNC_TOKEN or the keyring)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output")
	pf.StringVar(&a.logFile, "log", "", "also append log output to `FILE`")
	root.Flags().BoolVar(&showVersion, "version", false, "print the version and exit")

	root.AddCommand(a.syncCommand(), a.authCommand(), a.versionCommand())
	return root
}

// setup loads the CLI configuration and installs the logger.
func (a *app) setup() error {
	cfg, err := config.LoadCLI()
	if err != nil {
		return err
	}
	if a.remoteFlag != "" {
		cfg.RemoteURL = a.remoteFlag
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	closeLog, err := logging.SetupFile(cfg.Logging.Level, cfg.Logging.Format, a.logFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.closeLog = closeLog
	a.logger = slog.Default()
	a.logger.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// resolveToken applies flag > env > keyring precedence. A missing or
// unreadable keyring yields an empty token; the server decides whether
// that is acceptable.
func (a *app) resolveToken() string {
	if a.tokenFlag != "" {
		return a.tokenFlag
	}
	if a.cfg.Token != "" {
		return a.cfg.Token
	}
	store, err := a.openTokens()
	if err != nil {
		a.logger.Debug("keyring unavailable", "error", err)
		return ""
	}
	token, err := store.Token(a.cfg.RemoteURL)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotFound) {
			a.logger.Debug("read stored token", "error", err)
		}
		return ""
	}
	return token
}
