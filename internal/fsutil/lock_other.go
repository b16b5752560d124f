//go:build !unix

package fsutil

import "os"

// Without flock the lock file only marks the directory; in-process mutexes still serialize writers.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
