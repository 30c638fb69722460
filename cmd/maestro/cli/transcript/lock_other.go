//go:build !unix

package transcript

import "os"

// Advisory file locking is unix-only; elsewhere the per-session mutex is the
// only serialisation, which is sufficient for a single-runtime writer.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
