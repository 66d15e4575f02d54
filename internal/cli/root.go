package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// ConfigPath is a .cue or .json file applied over the defaults.
	ConfigPath string
	// EnvFiles are .env files read before AGENTSYNC_* variables are applied.
	EnvFiles []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the agentsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "agentsync",
		Short: "agentsync - multi-agent collaboration over synchronized memory",
		Long: `agentsync runs tasks through expand, differentiate, refine and retrospect
phases with a team of agents, and keeps every memory backend in step through
a write-ahead log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.cue or .json)")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load before AGENTSYNC_* variables")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// logger returns a text logger on w. Verbose switches it to debug level;
// otherwise only warnings and errors are shown.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the configuration: defaults, then the config file,
// then the environment.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	return config.LoadEnv(cfg, o.EnvFiles...)
}

// configExitError maps a configuration failure to an exit code. A missing
// file is a command error; a file that does not validate is a failure.
func configExitError(err error) *ExitError {
	if errors.Is(err, fs.ErrNotExist) || !config.IsConfigError(err) {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return WrapExitError(ExitFailure, "invalid configuration", err)
}
