package ports

import (
	"io"
	"io/fs"
)

// FileSystem abstracts the file operations used by recorders and config loading.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns file info for the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// OpenFile opens the named file with the given flags and permissions.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)
}

// FileHandle is an open, writable file.
type FileHandle interface {
	io.Writer
	io.Closer

	// Name returns the name of the file as presented to OpenFile.
	Name() string
}
