// Package rdma brings up RDMA connections on top of package ibv.
//
// Probe decides whether the RDMA transport is viable on this host.
// Endpoint bundles the verbs resources one side of a reliable connection
// needs, and Loopback connects two endpoints on the same device for
// diagnostics.
package rdma
