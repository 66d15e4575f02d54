package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/agentsync/internal/edrr"
	"github.com/roach88/agentsync/internal/orchestrator"
	"github.com/roach88/agentsync/internal/wsde"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Keywords []string
	Scope    float64
	TeamFile string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a task through one collaboration cycle",
		Long: `Run a task through expand, differentiate, refine and retrospect.

The write-ahead log and backends come from the configuration. Unfinished
transactions from an earlier run are recovered before the task starts. The
command prints the cycle's result, including child cycles.

Exit codes:
  0 - The cycle completed or was terminated at the recursion limit
  1 - The cycle failed
  2 - Command error (bad configuration path, unopenable log, etc.)

Examples:
  agentsync run "design the storage layer" --keyword storage --keyword api
  agentsync run "add caching" --config agentsync.cue --team team.yaml
  agentsync run "review tests" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Keywords, "keyword", "k", nil, "task keyword used for role assignment")
	cmd.Flags().Float64Var(&opts.Scope, "scope", 0, "fraction of the task to attempt, in (0, 1]")
	cmd.Flags().StringVar(&opts.TeamFile, "team", "", "YAML file listing the agents")

	return cmd
}

func runTask(opts *RunOptions, goal string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.logger(cmd.ErrOrStderr())

	cfg, err := opts.loadConfig()
	if err != nil {
		return configExitError(err)
	}
	orcOpts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if opts.TeamFile != "" {
		team, err := loadTeam(opts.TeamFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load team", err)
		}
		f.VerboseLog("Loaded %d agents from %s", len(team), opts.TeamFile)
		orcOpts = append(orcOpts, orchestrator.WithTeam(orchestrator.Agents(team)...))
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orc, err := orchestrator.Open(ctx, cfg, orcOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open orchestrator", err)
	}
	defer func() {
		if cerr := orc.Close(); cerr != nil {
			logger.Error("error closing orchestrator", "error", cerr)
		}
	}()
	if orc.Sync() == nil {
		f.VerboseLog("No write-ahead log configured; phase output will not be persisted")
	}

	res, err := orc.Run(ctx, edrr.Task{Goal: goal, Keywords: opts.Keywords, Scope: opts.Scope})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run task", err)
	}

	if res.Status == edrr.StatusFailed {
		msg := fmt.Sprintf("cycle %s failed: %s", res.CycleID, res.RootCause)
		if f.JSON() {
			if err := f.Failure(ErrCodeCycle, msg, res); err != nil {
				return err
			}
		} else {
			writePhaseResult(f.Writer, res, "")
		}
		return NewExitError(ExitFailure, msg)
	}
	if f.JSON() {
		return f.Success(res)
	}
	writePhaseResult(f.Writer, res, "")
	return nil
}

// loadTeam reads a YAML list of agents.
func loadTeam(path string) ([]orchestrator.HeuristicAgent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var team []orchestrator.HeuristicAgent
	if err := yaml.Unmarshal(data, &team); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(team) == 0 {
		return nil, fmt.Errorf("%s lists no agents", path)
	}
	for i, a := range team {
		if a.ID == "" {
			return nil, fmt.Errorf("%s: agent %d has no id", path, i)
		}
	}
	return team, nil
}

// writePhaseResult prints a cycle and its children as an indented tree.
func writePhaseResult(w io.Writer, r orchestrator.PhaseResult, indent string) {
	fmt.Fprintf(w, "%sCycle %s %s\n", indent, r.CycleID, statusWord(string(r.Status)))
	fmt.Fprintf(w, "%s  goal: %s (depth %d)\n", indent, r.Goal, r.Depth)
	fmt.Fprintf(w, "%s  phases: %s\n", indent, strings.Join(r.Phases, ", "))
	fmt.Fprintf(w, "%s  records: %d\n", indent, len(r.RecordIDs))

	if len(r.Consensus) > 0 {
		approved := 0
		for _, c := range r.Consensus {
			if c.Outcome == wsde.Approve {
				approved++
			}
		}
		fmt.Fprintf(w, "%s  proposals: %d approved of %d\n", indent, approved, len(r.Consensus))
	}
	for _, tx := range r.Transactions {
		line := fmt.Sprintf("%s  tx %s %s", indent, tx.ID, statusWord(string(tx.Status)))
		if len(tx.Unconfirmed) > 0 {
			line += " (unconfirmed: " + strings.Join(tx.Unconfirmed, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, e := range r.CommitErrors {
		fmt.Fprintf(w, "%s  commit error: %s\n", indent, e)
	}
	for _, step := range r.RecoveryChain {
		fmt.Fprintf(w, "%s  recovery: %s\n", indent, step)
	}
	if r.RecursionLimit != "" {
		fmt.Fprintf(w, "%s  recursion: %s\n", indent, r.RecursionLimit)
	}
	if r.RootCause != "" {
		fmt.Fprintf(w, "%s  cause: %s\n", indent, r.RootCause)
	}
	for _, child := range r.Children {
		writePhaseResult(w, child, indent+"  ")
	}
}

// commandContext returns the command's context, which is nil when the
// command is executed without ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
