package uatransport

// MessageType is the 3-byte ASCII message type tag at the start of every
// OPC UA TCP frame.
type MessageType string

const (
	MessageHello  MessageType = "HEL"
	MessageAck    MessageType = "ACK"
	MessageError  MessageType = "ERR"
	MessageOpen   MessageType = "OPN"
	MessageClose  MessageType = "CLO"
	MessageSecure MessageType = "MSG"
)

// Valid reports whether mt is one of the six message types defined by the
// OPC UA TCP protocol.
func (mt MessageType) Valid() bool {
	switch mt {
	case MessageHello, MessageAck, MessageError, MessageOpen, MessageClose, MessageSecure:
		return true
	default:
		return false
	}
}

// ChunkType is the single-byte chunk indicator following the message type.
type ChunkType byte

const (
	// ChunkIntermediate marks a chunk that is not the last chunk of a message.
	ChunkIntermediate ChunkType = 'C'
	// ChunkFinal marks the last (or only) chunk of a message.
	ChunkFinal ChunkType = 'F'
	// ChunkAbort marks a chunk that terminates a message in progress with a
	// carried StatusCode instead of a body.
	ChunkAbort ChunkType = 'A'
)

func (ct ChunkType) Valid() bool {
	switch ct {
	case ChunkIntermediate, ChunkFinal, ChunkAbort:
		return true
	default:
		return false
	}
}

// Header sizes, little-endian throughout.
const (
	// MessageTypeSize is the width in bytes of the ASCII message type tag.
	MessageTypeSize = 3
	// ChunkTypeSize is the width in bytes of the chunk type byte.
	ChunkTypeSize = 1
	// MessageSizeFieldSize is the width in bytes of the total-size field.
	MessageSizeFieldSize = 4
	// HeaderSize is the fixed 8-byte frame header: type + chunk type + size.
	HeaderSize = MessageTypeSize + ChunkTypeSize + MessageSizeFieldSize

	// SymmetricSecurityHeaderSize is the width of a symmetric securityHeader
	// (a single tokenId).
	SymmetricSecurityHeaderSize = 4
	// SequenceHeaderSize is the width of sequenceNumber + requestId.
	SequenceHeaderSize = 8
)

// ProtocolVersion is the minimum protocol version this stack accepts in a
// peer's HELLO (the OPC UA constant PROTOCOL_VERSION).
const ProtocolVersion uint32 = 0

// MessageSecurityMode selects how MSG/OPN/CLO chunks are protected.
type MessageSecurityMode int

const (
	SecurityModeNone MessageSecurityMode = iota
	SecurityModeSign
	SecurityModeSignAndEncrypt
)

func (m MessageSecurityMode) String() string {
	switch m {
	case SecurityModeNone:
		return "None"
	case SecurityModeSign:
		return "Sign"
	case SecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Unknown"
	}
}

// sequenceWrapLimit is the modulus at which sequence numbers and request ids
// wrap back to 1, per spec: "wraps at 2^32 - 1024 -> 1".
const sequenceWrapLimit uint32 = 1<<32 - 1024

// nextInSequence advances a u32 counter by one, wrapping to 1 (never 0) on
// the call after it has returned sequenceWrapLimit.
func nextInSequence(cur uint32) uint32 {
	if cur >= sequenceWrapLimit {
		return 1
	}
	return cur + 1
}
