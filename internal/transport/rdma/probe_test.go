package rdma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/tensorwire/internal/ibv"
	"github.com/piwi3910/tensorwire/internal/metrics"
)

func simulatedOpener(lib *ibv.SimulatedLibrary) Opener {
	return func() (*ibv.Binding, error) {
		return ibv.NewBinding(lib), nil
	}
}

func TestProbeViable(t *testing.T) {
	metrics.ProbesTotal.Reset()
	lib := ibv.NewSimulatedLibrary()

	v, err := Probe(context.Background(), simulatedOpener(lib), ibv.DefaultPortNum)
	require.NoError(t, err)
	assert.True(t, v.Viable)
	assert.Empty(t, v.Reason)
	assert.Equal(t, DomainDescriptor, v.DomainDescriptor)
	assert.Equal(t, []string{"mlx5_0", "mlx5_1"}, v.Devices)

	st := lib.Stats()
	assert.Equal(t, 0, st.ListsOutstanding)
	assert.Equal(t, 0, st.HandlesOutstanding)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(OutcomeViable)))
}

func TestProbeNotViable(t *testing.T) {
	tests := []struct {
		name    string
		open    Opener
		reason  string
		outcome string
	}{
		{
			name:    "library unavailable",
			open:    func() (*ibv.Binding, error) { return nil, ibv.ErrLibraryUnavailable },
			reason:  ReasonLibraryUnavailable,
			outcome: OutcomeNoLibrary,
		},
		{
			name: "kernel module missing",
			open: func() (*ibv.Binding, error) {
				lib := ibv.NewSimulatedLibrary()
				lib.InjectFault(ibv.OpGetDeviceList, unix.ENOSYS)
				return ibv.NewBinding(lib), nil
			},
			reason:  ReasonModuleMissing,
			outcome: OutcomeModuleMissing,
		},
		{
			name: "no active ports",
			open: func() (*ibv.Binding, error) {
				port := ibv.PortAttr{State: ibv.PortDown, LinkLayer: ibv.LinkLayerInfiniBand, ActiveMTU: ibv.MTU4096}
				lib := ibv.NewSimulatedLibrary(ibv.SimulatedDevice{Name: "mlx4_0", Port: port})
				return ibv.NewBinding(lib), nil
			},
			reason:  ReasonNoDevices,
			outcome: OutcomeNoDevices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.ProbesTotal.Reset()

			v, err := Probe(context.Background(), tt.open, ibv.DefaultPortNum)
			require.NoError(t, err)
			assert.False(t, v.Viable)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Empty(t, v.Devices)
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(tt.outcome)))
		})
	}
}

func TestProbeErrors(t *testing.T) {
	t.Run("device list failure", func(t *testing.T) {
		lib := ibv.NewSimulatedLibrary()
		lib.InjectFault(ibv.OpGetDeviceList, unix.EACCES)

		v, err := Probe(context.Background(), simulatedOpener(lib), ibv.DefaultPortNum)
		require.Error(t, err)
		assert.Nil(t, v)
		assert.ErrorIs(t, err, unix.EACCES)
		assert.False(t, ibv.IsModuleMissing(err))
	})

	t.Run("query port ENOSYS is a failure", func(t *testing.T) {
		metrics.ProbesTotal.Reset()
		lib := ibv.NewSimulatedLibrary()
		lib.InjectFault(ibv.OpQueryPort, unix.ENOSYS)

		v, err := Probe(context.Background(), simulatedOpener(lib), ibv.DefaultPortNum)
		require.Error(t, err)
		assert.Nil(t, v)
		assert.ErrorIs(t, err, unix.ENOSYS)
		assert.False(t, ibv.IsModuleMissing(err))
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(OutcomeError)))
		assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(OutcomeModuleMissing)))
		assert.Equal(t, 0, lib.Stats().ListsOutstanding)
	})

	t.Run("opener returns no binding", func(t *testing.T) {
		v, err := Probe(context.Background(), func() (*ibv.Binding, error) { return nil, nil }, ibv.DefaultPortNum)
		assert.ErrorIs(t, err, ErrNoBinding)
		assert.Nil(t, v)
	})

	t.Run("opener failure", func(t *testing.T) {
		boom := errors.New("dlopen exploded")
		_, err := Probe(context.Background(), func() (*ibv.Binding, error) { return nil, boom }, ibv.DefaultPortNum)
		assert.ErrorIs(t, err, boom)
	})
}

// blockingLibrary stalls GetDeviceList until released.
type blockingLibrary struct {
	*ibv.SimulatedLibrary
	release chan struct{}
	done    sync.WaitGroup
}

func (l *blockingLibrary) GetDeviceList() (ibv.VerbsDeviceList, []ibv.VerbsDevice, error) {
	<-l.release
	defer l.done.Done()
	return l.SimulatedLibrary.GetDeviceList()
}

func TestProbeTimeout(t *testing.T) {
	metrics.ProbesTotal.Reset()
	lib := &blockingLibrary{SimulatedLibrary: ibv.NewSimulatedLibrary(), release: make(chan struct{})}
	lib.done.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	v, err := Probe(ctx, func() (*ibv.Binding, error) { return ibv.NewBinding(lib), nil }, ibv.DefaultPortNum)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, v)

	// The abandoned enumeration still cleans up after itself.
	close(lib.release)
	lib.done.Wait()
	assert.Eventually(t, func() bool {
		st := lib.Stats()
		return st.ListsOutstanding == 0 && st.HandlesOutstanding == 0
	}, time.Second, 5*time.Millisecond)

	// Only the timeout the caller saw is counted.
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ProbesTotal.WithLabelValues(OutcomeViable)))
}
