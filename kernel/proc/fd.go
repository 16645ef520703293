package proc

import (
	"bincows/kernel/vfs/vfile"
)

// FDKind tags what an FD slot currently holds: nothing, an open file, or
// a directory stream.
type FDKind int

const (
	FDNone FDKind = iota
	FDFile
	FDDir
)

// MaxFDs bounds a process's fd table.
const MaxFDs = 32

// FD is a single file-descriptor slot: a closed Go sum type in spirit,
// where Kind picks which of the remaining fields is meaningful.
type FD struct {
	Kind FDKind

	// File is populated when Kind == FDFile.
	File *vfile.Handle

	// Dir and DirOffset are populated when Kind == FDDir: the path being
	// iterated and the current byte offset of the directory stream.
	Dir       string
	DirOffset uint64
}

// Close releases fd's underlying resource, the Go equivalent of
// close_fd: calls the right close function and resets the slot to FDNone.
func (fd *FD) Close(table *vfile.Table) error {
	switch fd.Kind {
	case FDFile:
		err := fd.File.Close(table)
		*fd = FD{}
		return err
	case FDDir:
		*fd = FD{}
		return nil
	default:
		return nil
	}
}

// Dup copies fd's fields into dst, the Go equivalent of dup_fd. Both slots
// share the same underlying *vfile.Handle; vfile's refcounting keeps the
// backing file alive as long as any handle still references it.
func (fd *FD) Dup(dst *FD) {
	*dst = *fd
}
