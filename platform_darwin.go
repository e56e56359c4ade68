//go:build darwin

package cidmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// reserveFile sizes an index file before it is mapped. F_PREALLOCATE
// reserves the blocks; Ftruncate sets the length.
func reserveFile(file *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	if err := unix.FcntlFstore(file.Fd(), unix.F_PREALLOCATE, &fst); err != nil {
		return unix.Ftruncate(int(file.Fd()), size)
	}
	return unix.Ftruncate(int(file.Fd()), size)
}

func prefaultWrite(data []byte) {}

// adviseSequentialRead is a no-op: macOS has no posix_fadvise.
func adviseSequentialRead(file *os.File, length int64) {}

func adviseRandomAccess(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}
