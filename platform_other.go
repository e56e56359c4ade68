//go:build !linux && !darwin

package cidmap

import "os"

// reserveFile only sets the length; blocks may be allocated lazily.
func reserveFile(file *os.File, size int64) error {
	return file.Truncate(size)
}

func prefaultWrite(data []byte) {}

func adviseSequentialRead(file *os.File, length int64) {}

func adviseRandomAccess(data []byte) {}
