package fileutil

import (
	"os"
	"syscall"
)

// Fsync commits the current contents of the file to the disk.
// Typically it means flushing the file system's in-memory copy
// of recently written data to the disk.
func Fsync(f *os.File) error {
	return f.Sync()
}

// Fdatasync flushes all data buffers of a file onto the disk.
// Fsync is required to update the metadata, such as access time.
// If the modification time is not a part of the transaction,
// syscall.Fdatasync can be used to avoid unnecessary inode disk writes.
func Fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
