package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	WAL  string
	From int64
	TxID string
}

// ReplayEntry is one log entry as printed by replay.
type ReplayEntry struct {
	Offset int64           `json:"offset"`
	TxID   string          `json:"tx_id"`
	Kind   store.EntryKind `json:"kind"`
	Status record.TxStatus `json:"status"`
	// Keys are the record keys of a begin entry.
	Keys []string `json:"keys,omitempty"`
}

// ReplayResult holds the entries and the recovery view of the log.
type ReplayResult struct {
	Entries    []ReplayEntry `json:"entries"`
	Incomplete []string      `json:"incomplete"`
	Corrupt    []string      `json:"corrupt"`
	Settled    int           `json:"settled"`
	LastOffset int64         `json:"last_offset"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "List write-ahead log entries and the transactions left unfinished",
		Long: `Read the write-ahead log from an offset and list its entries in order,
followed by what recovery would do: which transactions are still incomplete,
how many settled, and which begin entries fail their digest check.

The log defaults to wal_path from the configuration.

Exit codes:
  0 - The log was read and no entry is corrupt
  1 - One or more begin entries are corrupt
  2 - Command error (log not found, etc.)

Examples:
  agentsync replay --wal ./agentsync.wal
  agentsync replay --wal ./agentsync.wal --from 120
  agentsync replay --config agentsync.cue --tx 0190a1b2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WAL, "wal", "", "path to the write-ahead log (defaults to wal_path)")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first offset to list")
	cmd.Flags().StringVar(&opts.TxID, "tx", "", "list entries of one transaction only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	path := opts.WAL
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return configExitError(err)
		}
		path = cfg.WALPath
	}
	if path == "" {
		return NewExitError(ExitCommandError, "no write-ahead log: pass --wal or set wal_path")
	}
	// store.Open creates missing files; replay must not.
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("write-ahead log not found: %s", path))
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open write-ahead log", err)
	}
	defer st.Close()

	it, err := st.Replay(ctx, opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay log", err)
	}
	result := ReplayResult{Entries: []ReplayEntry{}}
	for it.Next() {
		e := it.Entry()
		if opts.TxID != "" && e.TxID != opts.TxID {
			continue
		}
		entry := ReplayEntry{Offset: e.Offset, TxID: e.TxID, Kind: e.Kind, Status: e.Status}
		if e.Kind == store.EntryBegin {
			if tx, err := e.Transaction(); err == nil {
				entry.Keys = tx.Keys()
			} else {
				f.VerboseLog("entry %d: %v", e.Offset, err)
			}
		}
		result.Entries = append(result.Entries, entry)
	}
	err = errors.Join(it.Err(), it.Close())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	state, err := st.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover log", err)
	}
	result.Incomplete = []string{}
	for _, tx := range state.Incomplete {
		result.Incomplete = append(result.Incomplete, tx.ID)
	}
	result.Corrupt = nonNil(state.Corrupt)
	result.Settled = state.Settled
	result.LastOffset = state.LastOffset

	if len(result.Corrupt) > 0 {
		msg := fmt.Sprintf("%d corrupt transaction(s)", len(result.Corrupt))
		if f.JSON() {
			if err := f.Failure(ErrCodeGeneric, msg, result); err != nil {
				return err
			}
		} else {
			writeReplayResult(f, result)
		}
		return NewExitError(ExitFailure, msg)
	}
	if f.JSON() {
		return f.Success(result)
	}
	writeReplayResult(f, result)
	return nil
}

func writeReplayResult(f *OutputFormatter, r ReplayResult) {
	w := f.Writer
	if len(r.Entries) == 0 {
		fmt.Fprintln(w, "No entries found in log.")
	}
	for _, e := range r.Entries {
		fmt.Fprintf(w, "%6d  %-6s  %-36s  %s", e.Offset, e.Kind, e.TxID, statusWord(string(e.Status)))
		if f.Verbose && len(e.Keys) > 0 {
			fmt.Fprintf(w, "  %v", e.Keys)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Settled: %d, incomplete: %d, corrupt: %d\n", r.Settled, len(r.Incomplete), len(r.Corrupt))
	for _, id := range r.Incomplete {
		fmt.Fprintf(w, "  incomplete %s\n", id)
	}
	for _, id := range r.Corrupt {
		fmt.Fprintf(w, "  %s corrupt %s\n", mark(false), id)
	}
}
