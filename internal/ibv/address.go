package ibv

import (
	"encoding/binary"
	"fmt"
)

// Address is the local addressing information of a device port, resolved
// once and never modified.
type Address struct {
	PortNum  uint8
	GIDIndex uint8
	// LID is the already-resolved local identifier of the device+port.
	LID uint32
	// GID is the already-resolved global identifier at GIDIndex.
	GID            GID
	MTU            MTU
	MaxMessageSize uint32
}

// SetupInformation is what each side sends its peer before the queue
// pairs can be connected.
type SetupInformation struct {
	LID            uint32
	GID            GID
	QPN            uint32
	MTU            MTU
	MaxMessageSize uint32
}

// SetupInformationSize is the length of the wire encoding.
const SetupInformationSize = 4 + 16 + 4 + 4 + 4

// MakeAddress queries port portNum of ctx and its GID table entry at
// gidIndex. Either every field is resolved or an error is returned.
func MakeAddress(b *Binding, ctx *Context, portNum uint8, gidIndex uint8) (Address, error) {
	if err := b.owns(ctx.h.binding); err != nil {
		return Address{}, err
	}
	rawCtx, err := ctx.h.get()
	if err != nil {
		return Address{}, err
	}

	attr, err := b.lib.QueryPort(rawCtx, portNum)
	if err != nil {
		return Address{}, systemError("ibv_query_port", err)
	}

	gid, err := b.lib.QueryGID(rawCtx, portNum, int(gidIndex))
	if err != nil {
		return Address{}, systemError("ibv_query_gid", err)
	}

	return Address{
		PortNum:        portNum,
		GIDIndex:       gidIndex,
		LID:            uint32(attr.LID),
		GID:            gid,
		MTU:            attr.ActiveMTU,
		MaxMessageSize: attr.MaxMessageSize,
	}, nil
}

// MakeSetupInformation combines addr with the number of qp.
func MakeSetupInformation(addr Address, qp *QueuePair) SetupInformation {
	return SetupInformation{
		LID:            addr.LID,
		GID:            addr.GID,
		QPN:            qp.Num(),
		MTU:            addr.MTU,
		MaxMessageSize: addr.MaxMessageSize,
	}
}

// MarshalBinary encodes s as a fixed 32-byte little-endian record:
// lid, gid, qpn, mtu, max message size.
func (s SetupInformation) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(make([]byte, 0, SetupInformationSize))
}

// AppendBinary appends the wire encoding of s to b.
func (s SetupInformation) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, s.LID)
	b = append(b, s.GID[:]...)
	b = binary.LittleEndian.AppendUint32(b, s.QPN)
	b = binary.LittleEndian.AppendUint32(b, uint32(s.MTU))
	b = binary.LittleEndian.AppendUint32(b, s.MaxMessageSize)
	return b, nil
}

// UnmarshalBinary decodes the encoding produced by MarshalBinary.
func (s *SetupInformation) UnmarshalBinary(data []byte) error {
	if len(data) != SetupInformationSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSetupInformation, len(data), SetupInformationSize)
	}
	var out SetupInformation
	out.LID = binary.LittleEndian.Uint32(data[0:4])
	copy(out.GID[:], data[4:20])
	out.QPN = binary.LittleEndian.Uint32(data[20:24])
	out.MTU = MTU(binary.LittleEndian.Uint32(data[24:28]))
	out.MaxMessageSize = binary.LittleEndian.Uint32(data[28:32])
	if !out.MTU.Valid() {
		return fmt.Errorf("%w: mtu %d", ErrInvalidSetupInformation, uint32(out.MTU))
	}
	*s = out
	return nil
}
