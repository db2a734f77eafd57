package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/Iron-Ham/branchyard/internal/gateway"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a session served by 'branchyard serve'",
	Long: `Attach connects to a running gateway and streams one session to this
terminal. Another client attaching to the same session takes it over.
Press Ctrl-] to detach; the agent keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var attachAddr string

// detachKey is Ctrl-].
const detachKey = 0x1d

func init() {
	attachCmd.Flags().StringVar(&attachAddr, "addr", "", "gateway address (default gateway.addr)")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	addr := attachAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		addr = cfg.Gateway.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	c, err := gateway.Dial(ctx, addr, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer func() { _ = term.Restore(fd, state) }()
		syncRemoteSize(c, fd)
	}

	winch, stopWinch := bridge.NotifyResize()
	defer stopWinch()
	go func() {
		for range winch {
			syncRemoteSize(c, fd)
		}
	}()

	done := make(chan error, 2)
	go func() { done <- relayFrames(c, cmd.OutOrStdout()) }()
	go forwardKeys(c, os.Stdin, done)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func syncRemoteSize(c *gateway.Client, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 {
		return
	}
	_ = c.Resize(uint16(rows), uint16(cols))
}

// relayFrames prints output until the session exits or the gateway closes
// the stream.
func relayFrames(c *gateway.Client, out io.Writer) error {
	for {
		f, err := c.Next()
		if err != nil {
			return nil
		}
		switch f.Type {
		case gateway.TypeOutput:
			p, err := f.DecodeOutput()
			if err == nil {
				_, _ = out.Write(p)
			}
		case gateway.TypeExit:
			exit, _ := f.DecodeExit()
			switch {
			case exit.Signal != nil:
				return fmt.Errorf("\r\nsession killed by %s", *exit.Signal)
			case exit.Code != nil && *exit.Code != 0:
				return fmt.Errorf("\r\nsession exited with code %d", *exit.Code)
			}
			return nil
		case gateway.TypeError:
			msg, _ := f.DecodeError()
			fmt.Fprintf(out, "\r\n[branchyard] %s\r\n", msg.Message)
		}
	}
}

// forwardKeys sends stdin to the session until the detach key is pressed.
func forwardKeys(c *gateway.Client, in io.Reader, done chan<- error) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, b := range chunk {
				if b == detachKey {
					if i > 0 {
						_ = c.Input(chunk[:i])
					}
					done <- nil
					return
				}
			}
			if err := c.Input(chunk); err != nil {
				done <- nil
				return
			}
		}
		if err != nil {
			return
		}
	}
}
