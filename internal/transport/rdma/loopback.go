package rdma

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/tensorwire/internal/ibv"
)

// LoopbackResult describes a connection brought up between two endpoints
// on the same device.
type LoopbackResult struct {
	Device string               `json:"device" yaml:"device"`
	Local  ibv.SetupInformation `json:"local" yaml:"local"`
	Remote ibv.SetupInformation `json:"remote" yaml:"remote"`
	States [2]ibv.QPState       `json:"-" yaml:"-"`
}

// Loopback creates two endpoints on the same device, exchanges their
// setup information in wire form and connects them concurrently. Both
// endpoints are torn down before returning.
func Loopback(ctx context.Context, b *ibv.Binding, cfg *Config) (*LoopbackResult, error) {
	local, err := NewEndpoint(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create local endpoint: %w", err)
	}
	defer local.Close()

	remote, err := NewEndpoint(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote endpoint: %w", err)
	}
	defer remote.Close()

	localInfo, err := exchange(local.SetupInformation())
	if err != nil {
		return nil, err
	}
	remoteInfo, err := exchange(remote.SetupInformation())
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range []struct {
		ep   *Endpoint
		peer ibv.SetupInformation
	}{
		{ep: local, peer: remoteInfo},
		{ep: remote, peer: localInfo},
	} {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return pair.ep.Connect(pair.peer)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &LoopbackResult{
		Device: local.DeviceName(),
		Local:  localInfo,
		Remote: remoteInfo,
		States: [2]ibv.QPState{local.State(), remote.State()},
	}

	for _, ep := range []*Endpoint{local, remote} {
		if err := ep.Disconnect(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// exchange round-trips info through its wire encoding, as a peer would
// receive it.
func exchange(info ibv.SetupInformation) (ibv.SetupInformation, error) {
	wire, err := info.MarshalBinary()
	if err != nil {
		return ibv.SetupInformation{}, err
	}
	var out ibv.SetupInformation
	if err := out.UnmarshalBinary(wire); err != nil {
		return ibv.SetupInformation{}, err
	}
	return out, nil
}
