package receiver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/opensm-go/subnet"
)

// Attribute IDs carried in the MAD header.
const (
	AttrNodeInfo   uint16 = 0x0011
	AttrSwitchInfo uint16 = 0x0012
	AttrPortInfo   uint16 = 0x0015
	AttrLFT        uint16 = 0x0019
)

// MAD methods.
const (
	MethodGet     uint8 = 0x01
	MethodSet     uint8 = 0x02
	MethodGetResp uint8 = 0x81
)

const (
	// MADSize is the size of every management datagram.
	MADSize = 256
	// HeaderSize is the size of the common MAD header.
	HeaderSize = 24
	// SwitchInfoSize is the encoded size of a SwitchInfo record.
	SwitchInfoSize = 16
)

// ErrShortMAD indicates a buffer too small for what it claims to hold.
var ErrShortMAD = errors.New("receiver: short mad")

// Header is the common MAD header. Status is nonzero on failed responses.
//
// Layout, big endian: method(1) flags(1) status(2) attr(2) reserved(2)
// modifier(4) reserved(4) tid(8). The node GUID follows at offset 24 as the
// first field of the payload area. Responders echo the flags byte.
type Header struct {
	Method     uint8
	LightSweep bool
	Status     uint16
	AttrID     uint16
	Modifier   uint32
	TID        uint64
	NodeGUID   uint64
}

const hdrFlagLightSweep = 1 << 0

// payloadOffset is where attribute data begins, after the header and the
// node GUID.
const payloadOffset = HeaderSize + 8

// MinMADSize is the smallest MAD that holds every supported attribute.
const MinMADSize = payloadOffset + subnet.LFTBlockSize

// EncodeHeader writes h into buf.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < payloadOffset {
		return fmt.Errorf("%w: %d bytes", ErrShortMAD, len(buf))
	}
	buf[0] = h.Method
	buf[1] = 0
	if h.LightSweep {
		buf[1] = hdrFlagLightSweep
	}
	binary.BigEndian.PutUint16(buf[2:], h.Status)
	binary.BigEndian.PutUint16(buf[4:], h.AttrID)
	binary.BigEndian.PutUint16(buf[6:], 0)
	binary.BigEndian.PutUint32(buf[8:], h.Modifier)
	binary.BigEndian.PutUint32(buf[12:], 0)
	binary.BigEndian.PutUint64(buf[16:], h.TID)
	binary.BigEndian.PutUint64(buf[24:], h.NodeGUID)
	return nil
}

// DecodeHeader reads the header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < payloadOffset {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortMAD, len(buf))
	}
	return Header{
		Method:     buf[0],
		LightSweep: buf[1]&hdrFlagLightSweep != 0,
		Status:     binary.BigEndian.Uint16(buf[2:]),
		AttrID:     binary.BigEndian.Uint16(buf[4:]),
		Modifier:   binary.BigEndian.Uint32(buf[8:]),
		TID:        binary.BigEndian.Uint64(buf[16:]),
		NodeGUID:   binary.BigEndian.Uint64(buf[24:]),
	}, nil
}

// Payload returns the attribute data area of a MAD.
func Payload(buf []byte) []byte {
	if len(buf) < payloadOffset {
		return nil
	}
	return buf[payloadOffset:]
}

const (
	swFlagPortStateChange = 1 << 0
	swFlagEnhancedPort0   = 1 << 1
)

// EncodeSwitchInfo writes a SwitchInfo record and the switch port count
// (port 0 included) into buf.
func EncodeSwitchInfo(buf []byte, info subnet.SwitchInfo, numPorts uint8) error {
	if len(buf) < SwitchInfoSize {
		return fmt.Errorf("%w: switch info needs %d bytes", ErrShortMAD, SwitchInfoSize)
	}
	binary.BigEndian.PutUint16(buf[0:], info.LinearFDBCap)
	binary.BigEndian.PutUint16(buf[2:], info.RandomFDBCap)
	binary.BigEndian.PutUint16(buf[4:], info.MulticastFDBCap)
	binary.BigEndian.PutUint16(buf[6:], info.LinearFDBTop)
	buf[8] = info.DefaultPort
	var flags uint8
	if info.PortStateChange {
		flags |= swFlagPortStateChange
	}
	if info.EnhancedPort0 {
		flags |= swFlagEnhancedPort0
	}
	buf[9] = flags
	buf[10] = info.LifeTimeValue
	buf[11] = numPorts
	binary.BigEndian.PutUint16(buf[12:], info.PartitionEnfCap)
	binary.BigEndian.PutUint16(buf[14:], info.MulticastFDBTop)
	return nil
}

// DecodeSwitchInfo reads a SwitchInfo record and the switch port count.
func DecodeSwitchInfo(buf []byte) (subnet.SwitchInfo, uint8, error) {
	if len(buf) < SwitchInfoSize {
		return subnet.SwitchInfo{}, 0, fmt.Errorf("%w: switch info needs %d bytes", ErrShortMAD, SwitchInfoSize)
	}
	info := subnet.SwitchInfo{
		LinearFDBCap:    binary.BigEndian.Uint16(buf[0:]),
		RandomFDBCap:    binary.BigEndian.Uint16(buf[2:]),
		MulticastFDBCap: binary.BigEndian.Uint16(buf[4:]),
		LinearFDBTop:    binary.BigEndian.Uint16(buf[6:]),
		DefaultPort:     buf[8],
		PortStateChange: buf[9]&swFlagPortStateChange != 0,
		EnhancedPort0:   buf[9]&swFlagEnhancedPort0 != 0,
		LifeTimeValue:   buf[10],
		PartitionEnfCap: binary.BigEndian.Uint16(buf[12:]),
		MulticastFDBTop: binary.BigEndian.Uint16(buf[14:]),
	}
	numPorts := buf[11]
	if numPorts == 0 {
		return info, 0, errors.New("receiver: switch info reports no ports")
	}
	return info, numPorts, nil
}

// EncodeLFTBlock writes up to 64 egress ports into buf.
func EncodeLFTBlock(buf []byte, ports []uint8) error {
	if len(buf) < subnet.LFTBlockSize {
		return fmt.Errorf("%w: lft block needs %d bytes", ErrShortMAD, subnet.LFTBlockSize)
	}
	n := copy(buf[:subnet.LFTBlockSize], ports)
	for i := n; i < subnet.LFTBlockSize; i++ {
		buf[i] = subnet.NoPath
	}
	return nil
}

// DecodeLFTBlock returns the 64 egress ports of an LFT block.
func DecodeLFTBlock(buf []byte) ([]uint8, error) {
	if len(buf) < subnet.LFTBlockSize {
		return nil, fmt.Errorf("%w: lft block needs %d bytes", ErrShortMAD, subnet.LFTBlockSize)
	}
	out := make([]uint8, subnet.LFTBlockSize)
	copy(out, buf)
	return out, nil
}

// LFTBlocks returns how many LFT blocks cover LIDs 0 through top.
func LFTBlocks(top uint16) int {
	return int(top)/subnet.LFTBlockSize + 1
}
