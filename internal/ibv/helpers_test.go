package ibv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestBinding returns a binding over a SimulatedLibrary exposing devices,
// or the default pair when none are given.
func newTestBinding(t *testing.T, devices ...SimulatedDevice) (*Binding, *SimulatedLibrary) {
	t.Helper()
	lib := NewSimulatedLibrary(devices...)
	return NewBinding(lib), lib
}

// testStack is one opened device with the resources a queue pair needs.
type testStack struct {
	list *DeviceList
	ctx  *Context
	pd   *ProtectionDomain
	cq   *CompletionQueue
	addr Address
}

func openTestStack(t *testing.T, b *Binding) *testStack {
	t.Helper()
	list, err := Enumerate(b, DefaultPortNum)
	require.NoError(t, err)
	dev, err := list.Device(0)
	require.NoError(t, err)

	ctx, err := CreateContext(b, dev)
	require.NoError(t, err)
	pd, err := CreateProtectionDomain(b, ctx)
	require.NoError(t, err)
	cq, err := CreateCompletionQueue(b, ctx, 64, 0)
	require.NoError(t, err)
	addr, err := MakeAddress(b, ctx, DefaultPortNum, 0)
	require.NoError(t, err)

	return &testStack{list: list, ctx: ctx, pd: pd, cq: cq, addr: addr}
}

func (s *testStack) newQueuePair(t *testing.T, b *Binding) *QueuePair {
	t.Helper()
	qp, err := CreateQueuePair(b, s.pd, QueuePairInit{
		SendCQ: s.cq,
		RecvCQ: s.cq,
		Cap:    QPCap{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1},
	})
	require.NoError(t, err)
	return qp
}

func (s *testStack) close() {
	s.cq.Close()
	s.pd.Close()
	s.ctx.Close()
	s.list.Reset()
}
