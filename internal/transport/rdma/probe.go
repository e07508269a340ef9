package rdma

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/tensorwire/internal/ibv"
	"github.com/piwi3910/tensorwire/internal/metrics"
)

// DomainDescriptor is advertised by every viable host. There is no way to
// identify the InfiniBand subnet a device belongs to, so any two hosts
// with a usable device are assumed to be able to reach each other.
const DomainDescriptor = "ibv:*"

// Reasons reported when the transport is not viable.
const (
	ReasonLibraryUnavailable = "libibverbs couldn't be loaded"
	ReasonModuleMissing      = "kernel module isn't loaded"
	ReasonNoDevices          = "no InfiniBand NICs with an active port"
)

// Probe outcomes, used as metric labels.
const (
	OutcomeViable        = "viable"
	OutcomeNoLibrary     = "no_library"
	OutcomeModuleMissing = "module_missing"
	OutcomeNoDevices     = "no_devices"
	OutcomeError         = "error"
	OutcomeTimeout       = "timeout"
)

// Opener returns a fresh driver binding. Probe closes what it opens.
type Opener func() (*ibv.Binding, error)

// Viability is the result of a probe.
type Viability struct {
	Viable           bool     `json:"viable" yaml:"viable"`
	Reason           string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	DomainDescriptor string   `json:"domain_descriptor,omitempty" yaml:"domain_descriptor,omitempty"`
	Devices          []string `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// Probe decides whether RDMA can be used on this host: the library must
// load, the kernel must support it and at least one device must have an
// active port. Not being viable is not an error; any other failure is.
//
// The driver calls block. When ctx ends first Probe returns ErrTimeout and
// leaves the enumeration to finish and clean up in the background. Only the
// outcome returned to the caller is counted.
func Probe(ctx context.Context, open Opener, portNum uint8) (*Viability, error) {
	type result struct {
		v       *Viability
		outcome string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, outcome, err := probe(open, portNum)
		done <- result{v: v, outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		metrics.RecordProbe(r.outcome)
		return r.v, r.err
	case <-ctx.Done():
		metrics.RecordProbe(OutcomeTimeout)
		return nil, fmt.Errorf("%w: probing RDMA devices: %w", ErrTimeout, ctx.Err())
	}
}

func probe(open Opener, portNum uint8) (*Viability, string, error) {
	b, err := open()
	if errors.Is(err, ibv.ErrLibraryUnavailable) {
		log.Debug().Err(err).Msg("RDMA transport is not viable because libibverbs couldn't be loaded")
		return &Viability{Reason: ReasonLibraryUnavailable}, OutcomeNoLibrary, nil
	}
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("failed to open driver library: %w", err)
	}
	if b == nil {
		return nil, OutcomeError, ErrNoBinding
	}
	defer closeBinding(b)

	list, err := ibv.Enumerate(b, portNum)
	if ibv.IsModuleMissing(err) {
		log.Debug().Err(err).Msg("RDMA transport is not viable because the kernel module isn't loaded")
		return &Viability{Reason: ReasonModuleMissing}, OutcomeModuleMissing, nil
	}
	if err != nil {
		return nil, OutcomeError, fmt.Errorf("couldn't get list of InfiniBand devices: %w", err)
	}
	defer list.Reset()

	if list.Len() == 0 {
		log.Debug().Msg("RDMA transport is not viable because it couldn't find any InfiniBand NICs")
		return &Viability{Reason: ReasonNoDevices}, OutcomeNoDevices, nil
	}

	v := &Viability{Viable: true, DomainDescriptor: DomainDescriptor}
	for _, d := range list.Devices() {
		v.Devices = append(v.Devices, d.Name())
	}
	return v, OutcomeViable, nil
}

func closeBinding(b *ibv.Binding) {
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Str("binding", b.ID().String()).Msg("Failed to close driver binding")
	}
}
