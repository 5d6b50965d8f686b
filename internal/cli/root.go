package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Overrides for the config file and environment. Empty keeps the
	// configured value.
	DB       string
	Backend  string
	Endpoint string
	GroupID  string

	// LookupEnv reads CRDT_* variables (default os.LookupEnv).
	LookupEnv func(string) (string, bool)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the crdt CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the crdt command line and returns the process exit code.
// Failures are printed to stderr, or as a JSON error document on stdout
// with --format json.
func Execute() int {
	opts := &RootOptions{}
	return run(newRootCommand(opts), opts)
}

func run(cmd *cobra.Command, opts *RootOptions) int {
	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	if opts.Format != "json" {
		fmt.Fprintln(cmd.ErrOrStderr(), "crdt:", err)
		return GetExitCode(err)
	}

	message, details := err.Error(), any(nil)
	var ee *ExitError
	if errors.As(err, &ee) && ee.Err != nil {
		message, details = ee.Message, ee.Err.Error()
	}
	if ferr := opts.formatter(cmd).Error(ErrorCode(err), message, details); ferr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "crdt:", err)
	}
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crdt",
		Short: "crdt - offline-first replicated todo lists",
		Long: `A local-first todo list replicated through a message-log CRDT.

Every edit is stored locally as a timestamped message and exchanged with a
sync server; replicas that have seen the same messages show the same data.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to the replica database")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "replica storage (sqlite|bolt|memory)")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", "", "sync server URL")
	cmd.PersistentFlags().StringVar(&opts.GroupID, "group", "", "sync group id")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTodoCommand(opts))
	cmd.AddCommand(NewTypeCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))

	return cmd
}

// Config resolves the effective configuration: defaults, the --config
// file, CRDT_* variables, then flags.
func (o *RootOptions) Config() (config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err).withReason(CodeConfig)
		}
	}

	lookup := o.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid environment", err).withReason(CodeConfig)
	}

	for dst, v := range map[*string]string{
		&cfg.DB:       o.DB,
		&cfg.Backend:  o.Backend,
		&cfg.Endpoint: o.Endpoint,
		&cfg.GroupID:  o.GroupID,
	} {
		if v != "" {
			*dst = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid config", err).withReason(CodeConfig)
	}
	return cfg, nil
}

// formatter returns the OutputFormatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// setupLogging installs the default slog handler. Debug records are only
// shown with --verbose.
func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
