package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameKind identifies the kind of a protocol frame.
type FrameKind uint8

const (
	FrameConnect  FrameKind = 0x01
	FrameData     FrameKind = 0x02
	FrameContinue FrameKind = 0x03
	FrameClose    FrameKind = 0x04
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnect:
		return "CONNECT"
	case FrameData:
		return "DATA"
	case FrameContinue:
		return "CONTINUE"
	case FrameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// Close reason codes carried in the one-byte CLOSE payload.
const (
	ReasonUnspecified    uint8 = 0x01
	ReasonVoluntary      uint8 = 0x02
	ReasonNetworkError   uint8 = 0x03
	ReasonConnectFailed  uint8 = 0x41
	ReasonConnectTimeout uint8 = 0x42
	ReasonHostBlocked    uint8 = 0x43
)

// StreamFamily selects which kind of outbound socket a CONNECT opens.
type StreamFamily uint8

const (
	FamilyTCP StreamFamily = 0x01
	FamilyUDP StreamFamily = 0x02
)

func (f StreamFamily) network() string {
	if f == FamilyUDP {
		return "udp"
	}
	return "tcp"
}

// Frame is one discrete protocol message. StreamID 0 is reserved for
// connection-level control.
type Frame struct {
	Kind     FrameKind
	StreamID uint32
	Payload  []byte
}

// ConnectRequest is the decoded payload of a CONNECT frame.
type ConnectRequest struct {
	Family StreamFamily
	Port   uint16
	Host   string
}

// header: [kind 1 byte][streamID 4 bytes]
// all multi-byte wire fields are little-endian
const frameHeaderLength = 5

// DefaultMaxDataPayload is the DATA payload cap applied when the session
// config does not set one.
const DefaultMaxDataPayload = 64 * 1024

var u16 = binary.LittleEndian.Uint16
var u32 = binary.LittleEndian.Uint32
var putU16 = binary.LittleEndian.PutUint16
var putU32 = binary.LittleEndian.PutUint32

var ErrMalformedFrame = errors.New("malformed frame")
var ErrInvalidFrameSize = errors.New("frame payload size out of bounds")
var ErrMalformedConnect = errors.New("malformed connect request")

type sizeBounds struct {
	min int
	max int // -1 for no upper bound
}

// payload size bounds per frame kind, enforced before any dispatch.
// DATA's upper bound is supplied by the caller as it is configurable.
var payloadBounds = map[FrameKind]sizeBounds{
	FrameConnect:  {min: 4, max: -1}, // family + port + at least one host byte
	FrameData:     {min: 0, max: -1},
	FrameContinue: {min: 4, max: 4},
	FrameClose:    {min: 1, max: 1},
}

// UnmarshalFrame parses and validates one raw message. maxDataPayload caps the
// DATA payload size; zero or negative selects the default. The returned
// payload aliases b.
func UnmarshalFrame(b []byte, maxDataPayload int) (Frame, error) {
	if len(b) < frameHeaderLength {
		return Frame{}, fmt.Errorf("%w: %v bytes is shorter than the fixed header", ErrMalformedFrame, len(b))
	}
	kind := FrameKind(b[0])
	bounds, known := payloadBounds[kind]
	if !known {
		return Frame{}, fmt.Errorf("%w: unknown frame kind 0x%02x", ErrMalformedFrame, b[0])
	}

	payload := b[frameHeaderLength:]
	max := bounds.max
	if kind == FrameData {
		if maxDataPayload <= 0 {
			maxDataPayload = DefaultMaxDataPayload
		}
		max = maxDataPayload
	}
	if len(payload) < bounds.min || (max >= 0 && len(payload) > max) {
		return Frame{}, fmt.Errorf("%w: %v bytes of payload for %v", ErrInvalidFrameSize, len(payload), kind)
	}

	return Frame{
		Kind:     kind,
		StreamID: u32(b[1:frameHeaderLength]),
		Payload:  payload,
	}, nil
}

// MarshalFrame serialises a frame. It performs no validation: use the
// constructors below so malformed headers cannot be hand-assembled.
func MarshalFrame(f Frame) []byte {
	out := make([]byte, frameHeaderLength+len(f.Payload))
	out[0] = uint8(f.Kind)
	putU32(out[1:frameHeaderLength], f.StreamID)
	copy(out[frameHeaderLength:], f.Payload)
	return out
}

func NewDataFrame(streamID uint32, payload []byte) Frame {
	return Frame{Kind: FrameData, StreamID: streamID, Payload: payload}
}

func NewContinueFrame(streamID uint32, credit uint32) Frame {
	payload := make([]byte, 4)
	putU32(payload, credit)
	return Frame{Kind: FrameContinue, StreamID: streamID, Payload: payload}
}

func NewCloseFrame(streamID uint32, reason uint8) Frame {
	return Frame{Kind: FrameClose, StreamID: streamID, Payload: []byte{reason}}
}

func NewConnectFrame(streamID uint32, req ConnectRequest) Frame {
	payload := make([]byte, 3+len(req.Host))
	payload[0] = uint8(req.Family)
	putU16(payload[1:3], req.Port)
	copy(payload[3:], req.Host)
	return Frame{Kind: FrameConnect, StreamID: streamID, Payload: payload}
}

// ParseConnect decodes the payload of a CONNECT frame.
func ParseConnect(payload []byte) (ConnectRequest, error) {
	if len(payload) < 4 {
		return ConnectRequest{}, fmt.Errorf("%w: %v bytes is too short", ErrMalformedConnect, len(payload))
	}
	family := StreamFamily(payload[0])
	if family != FamilyTCP && family != FamilyUDP {
		return ConnectRequest{}, fmt.Errorf("%w: unknown stream family 0x%02x", ErrMalformedConnect, payload[0])
	}
	return ConnectRequest{
		Family: family,
		Port:   u16(payload[1:3]),
		Host:   string(payload[3:]),
	}, nil
}
