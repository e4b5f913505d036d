package gsusb

import (
	"encoding/binary"
	"fmt"
	"time"
)

// The two high bits of the wire identifier are flag bits, the numeric
// identifier lives in the low 30 bits.
const (
	extendedFlag = 0x80000000
	rtrFlag      = 0x40000000
	frameIDMask  = 0x3FFFFFFF
)

const (
	// Echo identifier the device puts on genuinely received frames. Any
	// other value marks an echo of a frame sent by the host.
	rxEchoID = 0xFFFFFFFF
	// Echo identifier stamped on frames originating from this host.
	txEchoID = 1
)

// HostFrameSize is the size of the binary host frame record in bytes.
const HostFrameSize = 20

// HostFrame is the frame record exchanged with the device over the bulk
// endpoints.
//
// Layout (little-endian):
//
//	0..3   echo_id
//	4..7   can_id (bit31 = extended, bit30 = RTR, bits 29..0 = identifier)
//	8      can_dlc
//	9      channel
//	10     flags (reserved, zero on send)
//	11     reserved
//	12..19 data
type HostFrame struct {
	EchoID   uint32
	CANID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
	Data     [8]byte
}

func (hf HostFrame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HostFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], hf.EchoID)
	binary.LittleEndian.PutUint32(buf[4:8], hf.CANID)
	buf[8] = hf.DLC
	buf[9] = hf.Channel
	buf[10] = hf.Flags
	buf[11] = hf.Reserved
	copy(buf[12:20], hf.Data[:])
	return buf, nil
}

func (hf *HostFrame) UnmarshalBinary(data []byte) error {
	if len(data) < HostFrameSize {
		return fmt.Errorf("host frame needs %d bytes, got %d", HostFrameSize, len(data))
	}
	hf.EchoID = binary.LittleEndian.Uint32(data[0:4])
	hf.CANID = binary.LittleEndian.Uint32(data[4:8])
	hf.DLC = data[8]
	hf.Channel = data[9]
	hf.Flags = data[10]
	hf.Reserved = data[11]
	copy(hf.Data[:], data[12:20])
	return nil
}

// hostFrame converts a caller frame to the device representation. The
// extended and RTR flags are folded into the high bits of the identifier.
func (f Frame) hostFrame() HostFrame {
	canID := f.Identifier & frameIDMask
	if f.Extended {
		canID |= extendedFlag
	}
	if f.RTR {
		canID |= rtrFlag
	}
	return HostFrame{
		EchoID:  txEchoID,
		CANID:   canID,
		DLC:     f.DLC,
		Channel: f.Channel,
		Data:    f.Data,
	}
}

// frameFromHost converts a device frame to the caller representation,
// stamping it with the time elapsed since the session started.
func frameFromHost(hf HostFrame, elapsed time.Duration) Frame {
	return Frame{
		Identifier: hf.CANID & frameIDMask,
		DLC:        hf.DLC,
		Channel:    hf.Channel,
		Data:       hf.Data,
		Extended:   hf.CANID&extendedFlag != 0,
		RTR:        hf.CANID&rtrFlag != 0,
		FD:         false, // FD payloads are not implemented
		Loopback:   hf.EchoID != rxEchoID,
		Timestamp:  elapsed,
	}
}
