package ibv

import (
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/metrics"
)

// Binding is one loaded instance of the driver library. Every handle
// remembers the Binding that created it and is released through it, so a
// Binding must outlive all of its handles.
type Binding struct {
	lib    Library
	id     uuid.UUID
	live   atomic.Int64
	lists  atomic.Int64
	closed atomic.Bool
}

// NewBinding wraps lib in a fresh Binding.
func NewBinding(lib Library) *Binding {
	return &Binding{
		lib: lib,
		id:  uuid.New(),
	}
}

// ID identifies this binding instance.
func (b *Binding) ID() uuid.UUID {
	return b.id
}

// Library returns the underlying driver library.
func (b *Binding) Library() Library {
	return b.lib
}

// LiveHandles is the number of handles created through b and not yet released.
func (b *Binding) LiveHandles() int64 {
	return b.live.Load()
}

// OutstandingLists is the number of device lists enumerated through b and
// not yet reset.
func (b *Binding) OutstandingLists() int64 {
	return b.lists.Load()
}

// Close marks the binding unusable. It fails while handles are still live
// or a device list has not been reset. If the library implements
// io.Closer it is closed as well.
func (b *Binding) Close() error {
	n, lists := b.live.Load(), b.lists.Load()
	if n > 0 || lists > 0 {
		log.Warn().
			Str("binding", b.id.String()).
			Int64("live_handles", n).
			Int64("device_lists", lists).
			Msg("Refusing to close driver binding with live handles")
		return ErrLiveHandles
	}
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := b.lib.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Binding) usable() error {
	if b == nil || b.closed.Load() {
		return ErrBindingClosed
	}
	return nil
}

// owns checks that a parent handle was produced by b.
func (b *Binding) owns(parent *Binding) error {
	if err := b.usable(); err != nil {
		return err
	}
	if parent != b {
		return ErrBindingMismatch
	}
	return nil
}

func (b *Binding) track(kind string) {
	b.live.Add(1)
	metrics.RecordHandleCreated(kind)
}

func (b *Binding) untrack(kind string) {
	b.live.Add(-1)
	metrics.RecordHandleReleased(kind)
}
