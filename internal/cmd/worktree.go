package cmd

import (
	"fmt"

	"github.com/Iron-Ham/branchyard/internal/output"
	"github.com/Iron-Ham/branchyard/internal/worktree"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <branch>",
	Short: "Print the working directory for a branch",
	Long: `Resolve prints the directory a branch is checked out in. The repository
root is used when the branch is current; otherwise its worktree is reused,
repaired or created.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var createCmd = &cobra.Command{
	Use:   "create <branch>",
	Short: "Create a worktree for a branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a worktree",
	Long: `Remove deletes a worktree. Worktrees with uncommitted changes, a live
session or a protected branch are refused unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemove,
}

var repairCmd = &cobra.Command{
	Use:   "repair <path>",
	Short: "Re-validate a worktree and recover it when possible",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepair,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List worktrees",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var (
	createBase      string
	createNewBranch bool
	removeForce     bool
	removeBranch    bool
)

func init() {
	createCmd.Flags().StringVar(&createBase, "base", "", "start point for a new branch (default HEAD)")
	createCmd.Flags().BoolVarP(&createNewBranch, "new-branch", "b", false, "create the branch")
	removeCmd.Flags().BoolVarP(&removeForce, "force", "f", false, "remove even with changes, a live session or a protected branch")
	removeCmd.Flags().BoolVar(&removeBranch, "delete-branch", false, "also delete the local branch")

	rootCmd.AddCommand(resolveCmd, createCmd, removeCmd, repairCmd, listCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	r, err := e.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), r.Path)
	if r.Kind != worktree.ResolvedExisting && r.Kind != worktree.ResolvedRoot {
		fmt.Fprintf(cmd.ErrOrStderr(), "worktree %s\n", r.Kind)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	path, err := e.Create(cmd.Context(), worktree.CreateOptions{
		Branch:    args[0],
		Base:      createBase,
		NewBranch: createNewBranch,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	err = e.Remove(cmd.Context(), args[0], worktree.RemoveOptions{
		Force:        removeForce,
		DeleteBranch: removeBranch,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	result, err := e.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], result)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	wts, err := e.List(cmd.Context())
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(wts))
	for _, wt := range wts {
		branch := wt.Branch
		if branch == "" {
			branch = "(detached)"
		}
		state := wt.State.String()
		if wt.Main {
			state = "main"
		}
		created := "-"
		if !wt.CreatedAt.IsZero() {
			created = wt.CreatedAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{wt.Path, branch, state, string(wt.LockState), created})
	}
	return output.Render(cmd.OutOrStdout(), []string{"PATH", "BRANCH", "STATE", "LOCK", "CREATED"}, rows)
}
