// Package ibv manages the lifetime of RDMA verbs resources.
//
// Every driver object (device context, protection domain, completion
// queue, shared receive queue, memory region, queue pair) is wrapped in a
// handle that is released exactly once, through the Binding that created
// it. Enumerate lists the usable devices, MakeAddress resolves the local
// addressing of a port, and QueuePair walks a reliable-connection queue
// pair through RESET, INIT, RTR and RTS.
//
// The libibverbs binding is built with the rdma_hw tag:
//
//	go build -tags rdma_hw ./...
//
// Without it, OpenLibrary reports ErrLibraryUnavailable and callers use a
// SimulatedLibrary.
package ibv
