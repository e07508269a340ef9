//go:build !rdma_hw

package ibv

// OpenLibrary loads libibverbs. This build was compiled without the
// rdma_hw tag, so it always fails with ErrLibraryUnavailable; use a
// SimulatedLibrary instead.
func OpenLibrary() (*Binding, error) {
	return nil, ErrLibraryUnavailable
}
