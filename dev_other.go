//go:build !linux

package xv6fs

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
