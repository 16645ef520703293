// Package errno adapts the boot layer's allocation-free *kernel.Error
// (usable before the Go allocator is wired up) to the
// POSIX-flavoured errno values the syscall gateway must return to user
// programs once the kernel is past goruntime.Init. Core-subsystem packages
// (everything under kernel/mem, kernel/proc, kernel/sched, kernel/signal,
// kernel/vfs, ...) use this *errno.Error instead of *kernel.Error.
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX error number as defined by golang.org/x/sys/unix.
type Errno = unix.Errno

// Values used by the syscall gateway's dispatch table and by core
// subsystems to classify failures.
const (
	EPERM     = unix.EPERM
	ENOENT    = unix.ENOENT
	ESRCH     = unix.ESRCH
	EBADF     = unix.EBADF
	EAGAIN    = unix.EAGAIN
	ENOMEM    = unix.ENOMEM
	EACCES    = unix.EACCES
	EFAULT    = unix.EFAULT
	EEXIST    = unix.EEXIST
	ENOTDIR   = unix.ENOTDIR
	EISDIR    = unix.EISDIR
	EINVAL    = unix.EINVAL
	EMFILE    = unix.EMFILE
	ENFILE    = unix.ENFILE
	ENOSPC    = unix.ENOSPC
	ESPIPE    = unix.ESPIPE
	ENOSYS    = unix.ENOSYS
	ENOTEMPTY = unix.ENOTEMPTY
	EINTR     = unix.EINTR
	EPIPE     = unix.EPIPE
	ENXIO     = unix.ENXIO
	EBUSY     = unix.EBUSY
	EDEADLK   = unix.EDEADLK
	ECHILD    = unix.ECHILD
	ERANGE    = unix.ERANGE
)

// Error is a kernel error carrying the errno that the syscall gateway
// multiplexes into its -1 return value, alongside a module/message pair in
// the same spirit as the boot layer's kernel.Error.
type Error struct {
	Errno   Errno
	Module  string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s (%s)", e.Module, e.Message, e.Errno)
}

// New builds an *Error for the given module, formatting Message the same
// way fmt.Errorf does.
func New(code Errno, module, format string, args ...interface{}) *Error {
	return &Error{Errno: code, Module: module, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the errno carried by err, defaulting to EINVAL for any
// error that did not originate from New (including nil, which should never
// be passed but must not panic a caller that forgot to check).
func Code(err error) Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Errno
	}
	return EINVAL
}
