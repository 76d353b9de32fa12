//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func syncFile(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
