//go:build !unix

package session

import "os"

// Without flock the JSON history is only guarded within one process.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
