// Package wire implements the on-wire MIDI mesh frame: a 20-byte fixed
// header, a variable-length MIDI payload, and an optional forwarding
// context extension.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size in bytes of the fixed packet header.
const HeaderSize = 20

const (
	magic   uint16 = 0x4D49 // "MI"
	version uint8  = 0x01

	extType      uint8 = 0xC1
	extBaseSize        = 4 // extType(1) + extLen(1) + hopCount(1) + deviceCount(1)
	extDeviceLen       = 6 // nodeHash(4) + deviceId(2)

	// MaxContextDevices caps the number of visited DeviceKeys an extension
	// can carry (spec §4.1 context extension layout, capacity <= 8).
	MaxContextDevices = 8
)

// Flags bits, per spec §4.1 / §6.1.
const (
	FlagSysEx     uint8 = 1 << 0
	FlagReliable  uint8 = 1 << 1
	FlagFragment  uint8 = 1 << 2
	FlagHasContext uint8 = 1 << 3

	flagsReservedMask = 0xF0
)

// Context is the per-packet forwarding trace (spec §3 ForwardingContext).
type Context struct {
	HopCount uint8
	Devices  []ContextDevice // visited DeviceKeys, wire-hash form
}

// ContextDevice is one (nodeHash, deviceId) entry in a Context.
type ContextDevice struct {
	NodeHash uint32
	DeviceID uint16
}

// Packet is the in-memory representation of an on-wire frame.
type Packet struct {
	Version         uint8
	Flags           uint8
	SrcNodeHash     uint32
	DstNodeHash     uint32
	Sequence        uint16
	TimestampMicros uint32
	DeviceID        uint16
	MIDI            []byte
	Context         *Context // nil unless FlagHasContext is set
}

// HasFlag reports whether the given flag bit is set.
func (p *Packet) HasFlag(f uint8) bool { return p.Flags&f != 0 }

// NewDataPacket builds a Data packet, auto-detecting SysEx from the MIDI
// payload's first byte per spec §4.1 ("SysEx detection is automatic on any
// payload starting with 0xF0, and both SysEx and Reliable flags are set").
func NewDataPacket(src, dst uint32, seq uint16, tsMicros uint32, deviceID uint16, midi []byte) *Packet {
	p := &Packet{
		Version:         version,
		SrcNodeHash:     src,
		DstNodeHash:     dst,
		Sequence:        seq,
		TimestampMicros: tsMicros,
		DeviceID:        deviceID,
		MIDI:            midi,
	}
	if len(midi) > 0 && midi[0] == 0xF0 {
		p.Flags |= FlagSysEx | FlagReliable
	}
	return p
}

// NewHeartbeatPacket builds a zero-payload heartbeat control packet.
func NewHeartbeatPacket(src, dst uint32, seq uint16, tsMicros uint32) *Packet {
	return &Packet{Version: version, SrcNodeHash: src, DstNodeHash: dst, Sequence: seq, TimestampMicros: tsMicros}
}

// NewAckPacket builds an ACK for the given sequence number.
func NewAckPacket(src, dst uint32, ackSeq uint16, tsMicros uint32) *Packet {
	return &Packet{Version: version, SrcNodeHash: src, DstNodeHash: dst, Sequence: ackSeq, TimestampMicros: tsMicros, Flags: FlagReliable}
}

// NewNackPacket builds a NACK for the given sequence number.
func NewNackPacket(src, dst uint32, nackSeq uint16, tsMicros uint32) *Packet {
	return &Packet{Version: version, SrcNodeHash: src, DstNodeHash: dst, Sequence: nackSeq, TimestampMicros: tsMicros, Flags: FlagReliable | FlagFragment}
}

// WithContext attaches a forwarding context and sets FlagHasContext.
func (p *Packet) WithContext(ctx *Context) *Packet {
	p.Context = ctx
	p.Flags |= FlagHasContext
	return p
}

func (p *Packet) contextSize() int {
	if p.Context == nil {
		return 0
	}
	n := len(p.Context.Devices)
	if n > MaxContextDevices {
		n = MaxContextDevices
	}
	return extBaseSize + n*extDeviceLen
}

// Size returns the total serialized size of p.
func (p *Packet) Size() int {
	return HeaderSize + len(p.MIDI) + p.contextSize()
}

// Serialize returns p encoded as bytes.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, p.Size())
	_ = p.SerializeInto(buf) // buf is exactly sized, cannot fail
	return buf
}

// SerializeInto encodes p into buf, which must be at least p.Size() bytes.
// It writes nothing and returns an error if buf is too small.
func (p *Packet) SerializeInto(buf []byte) error {
	need := p.Size()
	if len(buf) < need {
		return fmt.Errorf("wire: buffer too small: need %d, have %d", need, len(buf))
	}

	flags := p.Flags
	if p.Context != nil {
		flags |= FlagHasContext
	}

	binary.BigEndian.PutUint16(buf[0:2], magic)
	buf[2] = version
	buf[3] = flags
	binary.BigEndian.PutUint32(buf[4:8], p.SrcNodeHash)
	binary.BigEndian.PutUint32(buf[8:12], p.DstNodeHash)
	binary.BigEndian.PutUint16(buf[12:14], p.Sequence)
	binary.BigEndian.PutUint32(buf[14:18], p.TimestampMicros)
	binary.BigEndian.PutUint16(buf[18:20], p.DeviceID)

	off := HeaderSize
	off += copy(buf[off:], p.MIDI)

	if p.Context != nil {
		devs := p.Context.Devices
		if len(devs) > MaxContextDevices {
			devs = devs[:MaxContextDevices]
		}
		extLen := extBaseSize + len(devs)*extDeviceLen
		buf[off] = extType
		buf[off+1] = byte(extLen)
		buf[off+2] = p.Context.HopCount
		buf[off+3] = byte(len(devs))
		off += extBaseSize
		for _, d := range devs {
			binary.BigEndian.PutUint32(buf[off:off+4], d.NodeHash)
			binary.BigEndian.PutUint16(buf[off+4:off+6], d.DeviceID)
			off += extDeviceLen
		}
	}

	return nil
}

// Deserialize parses an on-wire frame. It rejects bad magic, an unknown
// major version, and truncated/mismatched context extensions, but
// tolerates unknown reserved flag bits without loss (spec §4.1).
func Deserialize(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: truncated header: %d bytes", len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != magic {
		return nil, fmt.Errorf("wire: bad magic")
	}
	ver := buf[2]
	if ver != version {
		return nil, fmt.Errorf("wire: unsupported version %d", ver)
	}
	flags := buf[3]

	p := &Packet{
		Version:         ver,
		Flags:           flags,
		SrcNodeHash:     binary.BigEndian.Uint32(buf[4:8]),
		DstNodeHash:     binary.BigEndian.Uint32(buf[8:12]),
		Sequence:        binary.BigEndian.Uint16(buf[12:14]),
		TimestampMicros: binary.BigEndian.Uint32(buf[14:18]),
		DeviceID:        binary.BigEndian.Uint16(buf[18:20]),
	}

	payloadEnd := len(buf)

	if flags&FlagHasContext != 0 {
		ctx, extStart, err := scanContext(buf[HeaderSize:])
		if err != nil {
			return nil, err
		}
		p.Context = ctx
		payloadEnd = HeaderSize + extStart
	}

	p.MIDI = append([]byte(nil), buf[HeaderSize:payloadEnd]...)
	return p, nil
}

// scanContext searches tail (the bytes after the fixed header) from the end
// backwards for the context-extension marker, per spec §4.1 ("Extension
// scanning searches from the payload-end backwards for the marker").
// It returns the parsed Context and the offset (within tail) where the
// extension begins, i.e. where the MIDI payload ends.
func scanContext(tail []byte) (*Context, int, error) {
	if len(tail) < extBaseSize {
		return nil, 0, fmt.Errorf("wire: HasContext set but no room for extension")
	}

	// extLen is stored at tail[start+1]; the marker at tail[start] must be
	// extType and start+extLen must equal len(tail).
	n := len(tail)
	for start := n - extBaseSize; start >= 0; start-- {
		if tail[start] != extType {
			continue
		}
		extLen := int(tail[start+1])
		if extLen < extBaseSize || start+extLen != n {
			continue
		}
		devCount := int(tail[start+3])
		if devCount > MaxContextDevices {
			return nil, 0, fmt.Errorf("wire: context deviceCount %d exceeds max %d", devCount, MaxContextDevices)
		}
		if extBaseSize+devCount*extDeviceLen != extLen {
			return nil, 0, fmt.Errorf("wire: context length mismatch")
		}
		ctx := &Context{HopCount: tail[start+2]}
		off := start + extBaseSize
		for i := 0; i < devCount; i++ {
			ctx.Devices = append(ctx.Devices, ContextDevice{
				NodeHash: binary.BigEndian.Uint32(tail[off : off+4]),
				DeviceID: binary.BigEndian.Uint16(tail[off+4 : off+6]),
			})
			off += extDeviceLen
		}
		return ctx, start, nil
	}
	return nil, 0, fmt.Errorf("wire: context extension marker not found or length mismatch")
}

// FoldHash folds a 64-bit value by XOR-ing its high and low 32 bits,
// producing the deterministic byte-order-independent 32-bit hash used
// throughout the mesh (spec §4.1 "UUID hashing").
func FoldHash(x uint64) uint32 {
	return uint32(x) ^ uint32(x>>32)
}

// HashUUID computes H(u) = high32 ⊕ low32, where each 64-bit half of u is
// first folded by x ⊕ (x >> 32), per spec §3/§4.1.
func HashUUID(hi, lo uint64) uint32 {
	return FoldHash(hi) ^ FoldHash(lo)
}
