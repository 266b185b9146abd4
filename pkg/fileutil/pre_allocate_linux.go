package fileutil

import (
	"io"
	"os"
	"syscall"
)

// Preallocate tries to allocate the space for given file.
// If extendFile is true, it calls fallocate without FALLOC_FL_KEEP_SIZE mode,
// which means the file size will be changed depending on the offset.
//
// After a successful call, subsequent writes into the range specified by
// offset and sizeInBytes are guaranteed not to fail because of lack of disk
// space.
func Preallocate(f *os.File, sizeInBytes int64, extendFile bool) error {
	var keepSizeMode uint32
	if !extendFile {
		keepSizeMode = 1
	}
	err := syscall.Fallocate(int(f.Fd()), keepSizeMode, 0, sizeInBytes)
	if err != nil {
		errno, ok := err.(syscall.Errno)
		if ok {
			switch extendFile {
			case true:
				// fallocate EINTRs frequently in some environments; fallback
				if errno == syscall.ENOTSUP || errno == syscall.EINTR {
					return preallocExtendTrunc(f, sizeInBytes)
				}
			case false:
				// treat not supported as nil error
				if errno == syscall.ENOTSUP {
					return nil
				}
			}
		}
	}
	return err
}

// preallocExtendTrunc extends the file by adding holes
// without reserving disk space. No actual disk space is reserved.
func preallocExtendTrunc(f *os.File, sizeInBytes int64) error {
	curOff, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	sizeOff, err := f.Seek(sizeInBytes, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err = f.Seek(curOff, io.SeekStart); err != nil {
		return err
	}
	if sizeInBytes > sizeOff {
		return nil
	}
	return f.Truncate(sizeInBytes)
}
