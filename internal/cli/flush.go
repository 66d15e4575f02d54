package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/orchestrator"
	"github.com/roach88/agentsync/internal/store"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	*RootOptions
	Compact bool
}

// FlushResult is the outcome of a flush run.
type FlushResult struct {
	Attempted int      `json:"attempted"`
	Committed []string `json:"committed"`
	Partial   []string `json:"partial"`
	Failed    []string `json:"failed"`
	// Pending counts transactions still waiting after the flush.
	Pending   int   `json:"pending"`
	Compacted int64 `json:"compacted,omitempty"`
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Recover the write-ahead log and flush pending transactions",
		Long: `Recover unfinished transactions from the write-ahead log and flush every
one that is due to every backend it has not reached yet.

Exit codes:
  0 - Nothing failed (partially committed transactions stay pending)
  1 - One or more transactions exhausted their retries
  2 - Command error (no wal_path, unopenable backend, etc.)

Examples:
  agentsync flush --config agentsync.cue
  agentsync flush --config agentsync.cue --compact`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Compact, "compact", false, "drop settled transactions from the log afterwards")

	return cmd
}

func runFlush(opts *FlushOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.logger(cmd.ErrOrStderr())

	cfg, err := opts.loadConfig()
	if err != nil {
		return configExitError(err)
	}
	if cfg.WALPath == "" {
		return NewExitError(ExitCommandError, "flush needs wal_path in the configuration")
	}
	// This command is the flush; a background one would race it for the report.
	cfg.FlushIntervalMS = 0

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orc, err := orchestrator.Open(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open orchestrator", err)
	}
	f.VerboseLog("Recovered %d pending transaction(s) from %s", len(orc.Pending()), cfg.WALPath)

	report, err := orc.Flush(ctx)
	pending := len(orc.Pending())
	if cerr := orc.Close(); cerr != nil {
		logger.Error("error closing orchestrator", "error", cerr)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "flush failed", err)
	}

	result := FlushResult{
		Attempted: report.Attempted,
		Committed: nonNil(report.Committed),
		Partial:   nonNil(report.Partial),
		Failed:    nonNil(report.Failed),
		Pending:   pending,
	}

	if opts.Compact {
		n, err := compactLog(cmd, cfg.WALPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compact log", err)
		}
		result.Compacted = n
	}

	if len(result.Failed) > 0 {
		msg := fmt.Sprintf("%d transaction(s) failed", len(result.Failed))
		if f.JSON() {
			if err := f.Failure(ErrCodeFlush, msg, result); err != nil {
				return err
			}
		} else {
			writeFlushResult(f, result)
		}
		return NewExitError(ExitFailure, msg)
	}
	if f.JSON() {
		return f.Success(result)
	}
	writeFlushResult(f, result)
	return nil
}

func compactLog(cmd *cobra.Command, path string) (int64, error) {
	st, err := store.Open(path)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return st.Compact(commandContext(cmd))
}

func writeFlushResult(f *OutputFormatter, r FlushResult) {
	w := f.Writer
	fmt.Fprintf(w, "Flushed %d transaction(s)\n", r.Attempted)
	for _, id := range r.Committed {
		fmt.Fprintf(w, "  %s %s\n", id, statusWord("committed"))
	}
	for _, id := range r.Partial {
		fmt.Fprintf(w, "  %s %s\n", id, statusWord("partially-committed"))
	}
	for _, id := range r.Failed {
		fmt.Fprintf(w, "  %s %s\n", id, statusWord("failed"))
	}
	fmt.Fprintf(w, "%s %d pending\n", mark(r.Pending == 0), r.Pending)
	if r.Compacted > 0 {
		fmt.Fprintf(w, "Compacted %d log entries\n", r.Compacted)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
