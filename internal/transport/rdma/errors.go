package rdma

import "errors"

var (
	ErrRDMANotAvailable = errors.New("RDMA hardware not available")
	ErrDeviceNotFound   = errors.New("RDMA device not found")
	ErrConnectionFailed = errors.New("RDMA connection failed")
	ErrEndpointClosed   = errors.New("RDMA endpoint closed")
	ErrTimeout          = errors.New("RDMA operation timeout")
	ErrInvalidConfig    = errors.New("invalid RDMA configuration")
	ErrNoBinding        = errors.New("opener returned no driver binding")
)
