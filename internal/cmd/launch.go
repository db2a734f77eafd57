package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/engine"
	"github.com/spf13/cobra"
)

var launchCmd = &cobra.Command{
	Use:   "launch <branch> [-- agent args...]",
	Short: "Run a coding agent in a branch's worktree",
	Long: `Launch resolves the branch to its worktree and runs the agent there,
attached to this terminal. Arguments after -- are passed to the agent.

Modes:
  normal    start a new conversation
  continue  continue the most recent conversation
  resume    resume a conversation by id (--resume-id, or the last one
            recorded for this branch and agent)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLaunch,
}

var (
	launchAgent    string
	launchMode     string
	launchSkip     bool
	launchResumeID string
)

func init() {
	launchCmd.Flags().StringVarP(&launchAgent, "agent", "a", "claude", "agent id (see 'branchyard agents')")
	launchCmd.Flags().StringVarP(&launchMode, "mode", "m", string(agent.ModeNormal), "execution mode: normal, continue, resume")
	launchCmd.Flags().BoolVar(&launchSkip, "skip-permissions", false, "pass the agent's permission-skip arguments")
	launchCmd.Flags().StringVar(&launchResumeID, "resume-id", "", "conversation id to resume")

	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	mode, err := agent.ParseMode(launchMode)
	if err != nil {
		return err
	}
	var extra []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		extra = args[dash:]
		args = args[:dash]
	}
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one branch, got %d", len(args))
	}

	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	l, err := e.Launch(ctx, engine.LaunchRequest{
		Branch:          args[0],
		AgentID:         launchAgent,
		Mode:            mode,
		SkipPermissions: launchSkip,
		ExtraArgs:       extra,
		ResumeID:        launchResumeID,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s on %s (%s)\n", launchAgent, l.Resolved.Path, l.Record.ID)

	term := bridge.NewLocalTerminal(os.Stdin, cmd.OutOrStdout())
	exit, err := term.Run(ctx, l.Session)
	if err != nil {
		return err
	}
	if exit == nil {
		// Interrupted; closeEngine terminates the session.
		return nil
	}

	rec, err := l.Wait(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\nsession %s %s\n", rec.ID, rec.Exit)
	if rec.Exit != nil && !rec.Exit.Success() {
		return fmt.Errorf("agent %s", rec.Exit)
	}
	return nil
}
