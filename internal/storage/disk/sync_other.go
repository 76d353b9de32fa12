//go:build !linux

package disk

import "os"

func syncFile(file *os.File) error {
	return file.Sync()
}
