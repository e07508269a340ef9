package ibv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMakeAddress(t *testing.T) {
	b, _ := newTestBinding(t)
	s := openTestStack(t, b)
	defer s.close()

	addr := s.addr
	assert.Equal(t, DefaultPortNum, addr.PortNum)
	assert.Equal(t, uint8(0), addr.GIDIndex)
	assert.Equal(t, uint32(1), addr.LID)
	assert.Equal(t, simulatedGID(1), addr.GID)
	assert.Equal(t, MTU4096, addr.MTU)
	assert.Equal(t, uint32(1<<30), addr.MaxMessageSize)
	assert.Equal(t, "fe80::1", addr.GID.String())
}

func TestMakeAddressFailures(t *testing.T) {
	tests := []struct {
		name     string
		op       Op
		portNum  uint8
		gidIndex uint8
		wantOp   string
	}{
		{name: "query port fails", op: OpQueryPort, portNum: 1, wantOp: "ibv_query_port"},
		{name: "query gid fails", op: OpQueryGID, portNum: 1, wantOp: "ibv_query_gid"},
		{name: "port zero", portNum: 0, wantOp: "ibv_query_port"},
		{name: "gid index out of table", portNum: 1, gidIndex: 5, wantOp: "ibv_query_gid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, lib := newTestBinding(t)
			s := openTestStack(t, b)
			defer s.close()

			if tt.op != "" {
				lib.InjectFault(tt.op, unix.EINVAL)
			}
			addr, err := MakeAddress(b, s.ctx, tt.portNum, tt.gidIndex)
			require.Error(t, err)
			assert.Equal(t, Address{}, addr)

			var sysErr *SystemError
			require.ErrorAs(t, err, &sysErr)
			assert.Equal(t, tt.wantOp, sysErr.Op)
			assert.ErrorIs(t, err, unix.EINVAL)
		})
	}
}

func TestMakeSetupInformation(t *testing.T) {
	b, _ := newTestBinding(t)
	s := openTestStack(t, b)
	defer s.close()
	qp := s.newQueuePair(t, b)
	defer qp.Close()

	info := MakeSetupInformation(s.addr, qp)
	assert.Equal(t, SetupInformation{
		LID:            s.addr.LID,
		GID:            s.addr.GID,
		QPN:            qp.Num(),
		MTU:            s.addr.MTU,
		MaxMessageSize: s.addr.MaxMessageSize,
	}, info)

	// Pure: same inputs, same output, no driver calls.
	assert.Equal(t, info, MakeSetupInformation(s.addr, qp))
}

func TestSetupInformationWireFormat(t *testing.T) {
	info := SetupInformation{
		LID:            0x0102,
		GID:            simulatedGID(9),
		QPN:            0xabcdef,
		MTU:            MTU1024,
		MaxMessageSize: 1 << 31,
	}

	data, err := info.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, SetupInformationSize)

	assert.Equal(t, []byte{0x02, 0x01, 0, 0}, data[0:4])
	assert.Equal(t, info.GID[:], data[4:20])
	assert.Equal(t, []byte{0xef, 0xcd, 0xab, 0}, data[20:24])
	assert.Equal(t, []byte{3, 0, 0, 0}, data[24:28])
	assert.Equal(t, []byte{0, 0, 0, 0x80}, data[28:32])

	var decoded SetupInformation
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, info, decoded)

	prefixed, err := info.AppendBinary([]byte("hdr"))
	require.NoError(t, err)
	assert.Equal(t, data, prefixed[3:])
}

func TestSetupInformationUnmarshalErrors(t *testing.T) {
	valid, err := SetupInformation{MTU: MTU256}.MarshalBinary()
	require.NoError(t, err)

	badMTU := append([]byte(nil), valid...)
	badMTU[24] = 6

	zeroMTU := append([]byte(nil), valid...)
	zeroMTU[24] = 0

	for name, data := range map[string][]byte{
		"empty":     nil,
		"short":     valid[:31],
		"long":      append(append([]byte(nil), valid...), 0),
		"mtu range": badMTU,
		"mtu zero":  zeroMTU,
	} {
		t.Run(name, func(t *testing.T) {
			info := SetupInformation{QPN: 7}
			err := info.UnmarshalBinary(data)
			assert.ErrorIs(t, err, ErrInvalidSetupInformation)
			assert.Equal(t, uint32(7), info.QPN, "receiver left untouched")
		})
	}
}

func TestMTU(t *testing.T) {
	assert.Equal(t, 256, MTU256.Bytes())
	assert.Equal(t, 4096, MTU4096.Bytes())
	assert.Equal(t, 0, MTU(0).Bytes())
	assert.Equal(t, "MTU_2048", MTU2048.String())
	assert.Equal(t, "MTU_INVALID", MTU(9).String())
	assert.Equal(t, MTU1024, min(MTU4096, MTU1024))
}
