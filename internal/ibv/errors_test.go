package ibv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSystemError(t *testing.T) {
	err := systemError("ibv_create_cq", unix.ENOMEM)

	var sysErr *SystemError
	assert.ErrorAs(t, err, &sysErr)
	assert.Equal(t, unix.ENOMEM, sysErr.Errno)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.Contains(t, err.Error(), "ibv_create_cq")
	assert.Contains(t, err.Error(), fmt.Sprintf("errno %d", int(unix.ENOMEM)))
}

func TestSystemErrorWrappedErrno(t *testing.T) {
	err := systemError("ibv_open_device", fmt.Errorf("context: %w", unix.EACCES))

	var sysErr *SystemError
	assert.ErrorAs(t, err, &sysErr)
	assert.Equal(t, unix.EACCES, sysErr.Errno)
}

func TestSystemErrorWithoutErrno(t *testing.T) {
	cause := errors.New("driver exploded")
	err := systemError("ibv_alloc_pd", cause)

	var sysErr *SystemError
	assert.False(t, errors.As(err, &sysErr))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ibv_alloc_pd: driver exploded", err.Error())
}

func TestDeviceListErrorNormalisesNegativeENOSYS(t *testing.T) {
	assert.NotEqual(t, unix.ENOSYS, negativeENOSYS)

	err := deviceListError(negativeENOSYS)
	assert.True(t, IsModuleMissing(err))

	var sysErr *SystemError
	assert.ErrorAs(t, err, &sysErr)
	assert.Equal(t, unix.ENOSYS, sysErr.Errno)

	assert.False(t, IsModuleMissing(deviceListError(unix.EPERM)))
	assert.True(t, IsModuleMissing(fmt.Errorf("enumerate: %w", deviceListError(unix.ENOSYS))))
}

func TestIsModuleMissingOnlyForDeviceList(t *testing.T) {
	assert.False(t, IsModuleMissing(systemError("ibv_query_port", unix.ENOSYS)))
	assert.False(t, IsModuleMissing(systemError("ibv_open_device", unix.ENOSYS)))
	assert.False(t, IsModuleMissing(unix.ENOSYS))
	assert.False(t, IsModuleMissing(nil))
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{From: QPStateInit, To: QPStateReadyToSend, Err: ErrInvalidTransition}

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "queue pair transition INIT -> RTS: invalid queue pair state transition", err.Error())
}
