//go:build !linux

package splitwriter

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
