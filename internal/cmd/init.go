package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare the current repository for branchyard",
	Long: `Initialize branchyard in the current git repository.
This creates the worktree directory and excludes it from git status through
.git/info/exclude, so worktrees never show up as untracked files.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	dir, added, err := e.Worktrees().Prepare()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if added {
		fmt.Fprintln(out, "Excluded the worktree directory from git status")
	}
	fmt.Fprintln(out, "branchyard initialized successfully!")
	fmt.Fprintf(out, "Worktree directory: %s\n", dir)
	return nil
}
