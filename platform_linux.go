//go:build linux

package cidmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// MADV_POPULATE_WRITE was added in Linux 5.14; older kernels return EINVAL.
const madvPopulateWrite = 23

// reserveFile sizes an index file before it is mapped, so a full disk
// fails here instead of raising SIGBUS on a later store into the mapping.
func reserveFile(file *os.File, size int64) error {
	fd := int(file.Fd())
	if err := unix.Fallocate(fd, 0, 0, size); err != nil {
		// NFS and some overlay filesystems lack fallocate.
		return unix.Ftruncate(fd, size)
	}
	return unix.Ftruncate(fd, size)
}

// prefaultWrite populates the record region of a fresh index mapping.
// Best-effort.
func prefaultWrite(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, madvPopulateWrite)
}

// adviseSequentialRead marks a spill file for the single forward pass of
// the merge. Best-effort.
func adviseSequentialRead(file *os.File, length int64) {
	_ = unix.Fadvise(int(file.Fd()), 0, length, unix.FADV_SEQUENTIAL)
}

// adviseRandomAccess turns off readahead for an opened index; binary
// search touches a handful of scattered pages per lookup. Best-effort.
func adviseRandomAccess(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)
}
