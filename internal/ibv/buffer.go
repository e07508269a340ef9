package ibv

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedBuffer is anonymous, page-aligned memory outside the Go heap,
// safe to hand to the driver for registration.
type MappedBuffer struct {
	_    noCopy
	data []byte
}

// AllocateBuffer maps size bytes rounded up to the page size.
func AllocateBuffer(size int) (*MappedBuffer, error) {
	if size <= 0 {
		return nil, ErrEmptyBuffer
	}
	page := os.Getpagesize()
	size = (size + page - 1) / page * page
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte buffer: %w", size, err)
	}
	return &MappedBuffer{data: data}, nil
}

// Bytes returns the mapped memory, or nil after Close.
func (m *MappedBuffer) Bytes() []byte {
	return m.data
}

// Close unmaps the buffer. Any memory region registered on it must be
// closed first.
func (m *MappedBuffer) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
