//go:build unix

package bridge

import (
	"os"
	"os/signal"
	"syscall"
)

// NotifyResize delivers terminal resize signals until stop is called. It
// never fires on platforms without SIGWINCH.
func NotifyResize() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	return ch, func() { signal.Stop(ch) }
}
