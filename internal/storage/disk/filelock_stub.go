//go:build !unix

package disk

import "os"

// Without fcntl locks only the in-process key mutex serialises writers.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
