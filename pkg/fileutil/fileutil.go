// Package fileutil implements utility functions for file I/O with
// durability control.
package fileutil

import (
	"io"
	"os"
)

const (
	// PrivateFileMode grants owner to read/write a file.
	PrivateFileMode = 0600

	// PrivateDirMode grants owner to make/remove files inside the directory.
	PrivateDirMode = 0700
)

// OpenToRead opens a file for reads. Make sure to close the file.
func OpenToRead(fpath string) (*os.File, error) {
	f, err := os.OpenFile(fpath, os.O_RDONLY, PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenToReadWrite creates or opens a file for reads and in-place writes.
// Make sure to close the file.
func OpenToReadWrite(fpath string) (*os.File, error) {
	f, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE, PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ExistFileOrDir returns true if the file or directory exists.
func ExistFileOrDir(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// WriteSync behaves just like os.WriteFile,
// but calls Sync before closing the file to guarantee that
// the data is synced if there's no error returned.
func WriteSync(fpath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}

	if err == nil {
		err = f.Sync()
	}

	if e := f.Close(); err == nil {
		err = e
	}
	return err
}
