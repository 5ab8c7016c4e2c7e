package daelim

import (
	"encoding/json"
	"strconv"
)

// Wire layout constants.
const (
	// HeaderSize is the fixed binary header preceding every JSON body.
	HeaderSize = 28

	// lengthFieldSize is the size of the leading length field, which is not
	// counted by the length it carries.
	lengthFieldSize = 4

	// pinSize is the width of the login pin field.
	pinSize = 8

	// MaxFrameSize bounds a single frame. Anything larger is treated as desync.
	MaxFrameSize = 1 << 20

	// DefaultPort is the only documented port of the apartment server.
	DefaultPort = 25301

	// InitialPin is sent in the header before the server has issued a pin.
	InitialPin = "00000000"
)

// Direction markers occupying header bytes 20-23.
var (
	directionRequest  = [4]byte{0x00, 0x01, 0x00, 0x03}
	directionResponse = [4]byte{0x00, 0x03, 0x00, 0x01}
)

// MessageType selects the server subsystem addressed by a frame.
type MessageType uint32

// Message types used by the bridge.
const (
	TypeLogin  MessageType = 1
	TypeGuard  MessageType = 2
	TypeDevice MessageType = 3
	TypeEVCall MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeLogin:
		return "login"
	case TypeGuard:
		return "guard"
	case TypeDevice:
		return "device"
	case TypeEVCall:
		return "evcall"
	default:
		return "type" + strconv.FormatUint(uint64(t), 10)
	}
}

// Request subtypes. The matching response subtype is always request+1.
const (
	SubtypeCertPin  uint32 = 5
	SubtypeMenu     uint32 = 7
	SubtypeLoginPin uint32 = 9

	SubtypeDeviceQuery  uint32 = 1
	SubtypeDeviceInvoke uint32 = 3

	SubtypeGuardQuery uint32 = 1
	SubtypeGuardSet   uint32 = 3

	SubtypeEVCall uint32 = 1
)

// ResponseSubtype returns the subtype a server uses to answer the given request subtype.
func ResponseSubtype(request uint32) uint32 {
	return request + 1
}

// FrameKind classifies a frame.
type FrameKind int

// Frame kinds.
const (
	KindRequest FrameKind = iota
	KindResponse
	KindPush
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Frame is one protocol message.
//
// Seq is the correlation id. Zero means the frame carries none, which is
// the case for every push and for responses from servers that do not echo it.
type Frame struct {
	Kind    FrameKind
	Seq     uint32
	Pin     string
	Type    MessageType
	Subtype uint32
	Code    ResultCode
	Body    json.RawMessage
}

// IsResponseTo reports whether f answers a request of the given type and subtype.
func (f Frame) IsResponseTo(t MessageType, requestSubtype uint32) bool {
	return f.Type == t && f.Subtype == ResponseSubtype(requestSubtype)
}
