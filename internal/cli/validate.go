package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	// Env also applies .env files and AGENTSYNC_* variables.
	Env bool
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Source string         `json:"source"`
	Config *config.Config `json:"config,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file against the schema",
		Long: `Unify a .cue or .json configuration file with the built-in schema and
report the resolved configuration, or the first constraint it violates.

The file defaults to --config. With --env, .env files and AGENTSYNC_*
variables are applied too, exactly as run and flush would apply them.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(opts, path, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Env, "env", false, "apply .env files and AGENTSYNC_* variables")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if path == "" {
		return NewExitError(ExitCommandError, "no config file: pass a path or --config")
	}

	cfg, err := config.Load(path)
	if err == nil && opts.Env {
		f.VerboseLog("Applying environment overrides")
		cfg, err = config.LoadEnv(cfg, opts.EnvFiles...)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "config file not found", err)
		}
		result := ValidationResult{Source: path, Error: err.Error()}
		if f.JSON() {
			if ferr := f.Failure(ErrCodeConfig, "configuration is invalid", result); ferr != nil {
				return ferr
			}
		} else {
			fmt.Fprintf(f.Writer, "%s %s\n", mark(false), path)
			fmt.Fprintf(f.Writer, "  %v\n", err)
		}
		return WrapExitError(ExitFailure, "configuration is invalid", err)
	}

	result := ValidationResult{Valid: true, Source: path, Config: &cfg}
	if f.JSON() {
		return f.Success(result)
	}
	w := f.Writer
	fmt.Fprintf(w, "%s %s is valid\n", mark(true), path)
	fmt.Fprintf(w, "  max_recursion_depth: %d\n", cfg.MaxRecursionDepth)
	fmt.Fprintf(w, "  consensus_threshold: %g\n", cfg.ConsensusThreshold)
	if cfg.WALPath != "" {
		fmt.Fprintf(w, "  wal_path: %s\n", cfg.WALPath)
	}
	for _, b := range cfg.Backends {
		fmt.Fprintf(w, "  backend %s (%s)\n", b.Name, b.Kind)
	}
	return nil
}
