package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/engine"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/gateway"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [branch...]",
	Short: "Launch agents and stream them to remote clients",
	Long: `Serve launches the agent on each given branch and exposes the live
sessions over HTTP until interrupted:

  GET /sessions         live sessions as JSON
  GET /sessions/:id/ws  websocket stream of one session

Closing a websocket only detaches it; the agent keeps running. Interrupting
the server terminates every session.`,
	RunE: runServe,
}

var (
	serveAddr   string
	serveAgent  string
	serveMode   string
	serveEvents bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default gateway.addr)")
	serveCmd.Flags().StringVarP(&serveAgent, "agent", "a", "claude", "agent id for the launched sessions")
	serveCmd.Flags().StringVarP(&serveMode, "mode", "m", string(agent.ModeNormal), "execution mode: normal, continue, resume")
	serveCmd.Flags().BoolVar(&serveEvents, "events", false, "print engine events to stderr")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	mode, err := agent.ParseMode(serveMode)
	if err != nil {
		return err
	}

	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveEvents {
		go printEvents(cmd, e.Events())
	}

	for _, branch := range args {
		l, err := e.Launch(ctx, engine.LaunchRequest{Branch: branch, AgentID: serveAgent, Mode: mode})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", l.Record.ID, branch, l.Resolved.Path)
	}

	addr := serveAddr
	if addr == "" {
		addr = e.Config().Gateway.Addr
	}
	srv := gateway.NewServer(e.Gateway(), e.Logger())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr) }()
	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if serveEvents {
		if n := e.DroppedEvents(); n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events were dropped by a slow reader\n", n)
		}
	}
	return err
}

func printEvents(cmd *cobra.Command, events <-chan event.Event) {
	for ev := range events {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ev.Timestamp().Format(time.TimeOnly), ev.EventType())
	}
}
