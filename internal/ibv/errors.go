package ibv

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sentinel errors.
var (
	ErrLibraryUnavailable      = errors.New("libibverbs not available")
	ErrBindingClosed           = errors.New("driver binding closed")
	ErrBindingMismatch         = errors.New("handle belongs to a different driver binding")
	ErrLiveHandles             = errors.New("driver binding still has live handles")
	ErrHandleClosed            = errors.New("handle already released")
	ErrDeviceListReleased      = errors.New("device list already released")
	ErrDeviceIndex             = errors.New("device index out of range")
	ErrInvalidTransition       = errors.New("invalid queue pair state transition")
	ErrUnsupportedQPType       = errors.New("only reliable-connection queue pairs are supported")
	ErrInvalidSetupInformation = errors.New("invalid setup information")
	ErrEmptyBuffer             = errors.New("memory region buffer is empty")
)

// negativeENOSYS is -ENOSYS as seen through an unsigned errno. Older
// libibverbs releases set errno to it when the kernel module is missing.
const negativeENOSYS = syscall.Errno(^uintptr(unix.ENOSYS) + 1)

// SystemError is a failed driver call together with its errno.
type SystemError struct {
	Op    string
	Errno syscall.Errno
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s (errno %d)", e.Op, e.Errno.Error(), uintptr(e.Errno))
}

// Unwrap exposes the errno so errors.Is(err, unix.ENOSYS) works.
func (e *SystemError) Unwrap() error {
	return e.Errno
}

// opGetDeviceList is the only call whose ENOSYS means the kernel module is
// missing. ENOSYS from any other call is an ordinary failure.
const opGetDeviceList = "ibv_get_device_list"

// IsModuleMissing reports whether err means the RDMA kernel support is absent.
func IsModuleMissing(err error) bool {
	var sysErr *SystemError
	return errors.As(err, &sysErr) && sysErr.Op == opGetDeviceList && sysErr.Errno == unix.ENOSYS
}

// TransitionError is returned by the queue pair state machine.
type TransitionError struct {
	From QPState
	To   QPState
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("queue pair transition %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// systemError converts a driver failure into a *SystemError. Errors that
// do not carry an errno are wrapped with the op name instead.
func systemError(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &SystemError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// deviceListError is systemError with the negative ENOSYS quirk folded back.
func deviceListError(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == negativeENOSYS {
		return &SystemError{Op: opGetDeviceList, Errno: unix.ENOSYS}
	}
	return systemError(opGetDeviceList, err)
}
