//go:build !unix

package bridge

import "os"

func NotifyResize() (<-chan os.Signal, func()) {
	return make(chan os.Signal), func() {}
}
