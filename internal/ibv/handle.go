package ibv

import (
	"github.com/rs/zerolog/log"
)

// Handle kinds, used as metric labels and in log fields.
const (
	KindContext            = "context"
	KindProtectionDomain   = "protection_domain"
	KindCompletionQueue    = "completion_queue"
	KindSharedReceiveQueue = "shared_receive_queue"
	KindMemoryRegion       = "memory_region"
	KindQueuePair          = "queue_pair"
)

// noCopy makes go vet's copylocks check reject value copies of the
// structs that embed it. A copied handle would be released twice.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// handle pairs a native driver value with the call that destroys it and
// the binding it must be destroyed through.
type handle[T ~uintptr] struct {
	_       noCopy
	raw     T
	binding *Binding
	release func(T) error
	kind    string
	closed  bool
}

func (h *handle[T]) init(b *Binding, kind string, raw T, release func(T) error) {
	h.raw = raw
	h.binding = b
	h.release = release
	h.kind = kind
	b.track(kind)
}

// get returns the native value, or ErrHandleClosed once released.
func (h *handle[T]) get() (T, error) {
	if h.closed {
		var zero T
		return zero, ErrHandleClosed
	}
	return h.raw, nil
}

// close runs the release call exactly once. A failing release is a
// driver or programming error and is not recoverable: it panics.
func (h *handle[T]) close() {
	if h.closed {
		return
	}
	h.closed = true
	err := h.release(h.raw)
	h.binding.untrack(h.kind)
	if err != nil {
		log.Panic().
			Err(err).
			Str("kind", h.kind).
			Str("binding", h.binding.id.String()).
			Msg("Failed to release RDMA resource")
	}
}
