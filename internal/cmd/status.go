package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running sessions and worktrees",
	Long: `Display the sessions that are still running in any branchyard process of
this repository, and every worktree with its state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	running, err := e.Registry().Running(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Repository: %s\n", e.Root())
	fmt.Fprintf(out, "Running sessions: %d\n", len(running))
	now := time.Now()
	for _, r := range running {
		fmt.Fprintf(out, "  %s  %s on %s (pid %d, %s)\n",
			r.ID, r.AgentID, r.Branch, r.OwnerPID, r.Duration(now).Round(time.Second))
		fmt.Fprintf(out, "    %s\n", r.WorktreePath)
	}

	wts, err := e.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nWorktrees: %d\n", len(wts))
	for _, wt := range wts {
		if wt.Main {
			continue
		}
		note := ""
		if !wt.Accessible {
			note = " (inaccessible; run 'branchyard repair')"
		} else if owner, held := e.Locks().Inspect(wt.Path); held && owner != nil {
			note = fmt.Sprintf(" by pid %d on %s", owner.PID, owner.Hostname)
		}
		fmt.Fprintf(out, "  %s  %s  %s%s\n", wt.Branch, wt.State, wt.LockState, note)
	}
	return nil
}
