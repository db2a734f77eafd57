package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/worktree"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove worktrees whose branch is merged",
	Long: `Cleanup lists worktrees whose branch is merged into the default branch,
has no uncommitted changes, nothing unpushed and no live session, and removes
them after confirmation.

Use --dry-run to see what would be cleaned up without making changes.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun       bool
	cleanupForce        bool
	cleanupDeleteBranch bool
)

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupDeleteBranch, "delete-branch", false, "Also delete the merged branches")

	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	candidates, err := e.CleanupCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}

	fmt.Fprintf(out, "Merged worktrees (%d):\n", len(candidates))
	for _, c := range candidates {
		fmt.Fprintf(out, "  %s  [%s, merged into %s]\n", c.Path, c.Branch, c.Base)
	}
	if cleanupDryRun {
		return nil
	}

	if !cleanupForce {
		fmt.Fprint(out, "\nRemove these worktrees? [y/N] ")
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	var failed int
	for _, c := range candidates {
		err := e.Remove(ctx, c.Path, worktree.RemoveOptions{DeleteBranch: cleanupDeleteBranch})
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "  failed to remove %s: %v\n", c.Path, err)
			continue
		}
		fmt.Fprintf(out, "  removed %s\n", c.Path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d worktrees could not be removed", failed, len(candidates))
	}
	return nil
}
