package uatransport

import "math"

// Config holds the local, statically-configured limits this stack enforces
// regardless of what a peer advertises in its HELLO.
type Config struct {
	// MaxChunkSize bounds both localReceiveBufferSize and localSendBufferSize.
	MaxChunkSize uint32
	// MaxChunkCount bounds the number of chunks any single message may span.
	MaxChunkCount uint32
	// MaxMessageSize bounds the final negotiated localMaxMessageSize.
	MaxMessageSize uint32
}

// DefaultConfig returns conservative limits matching common OPC UA server
// defaults: 64KB chunks, 64-chunk messages, 64MB messages.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:   64 * 1024,
		MaxChunkCount:  64,
		MaxMessageSize: 64 * 1024 * 1024,
	}
}

// ChannelParameters are the immutable negotiated limits every chunk on a
// channel is validated against. All fields are 32-bit unsigned and never
// zero once negotiated.
type ChannelParameters struct {
	LocalMaxMessageSize     uint32
	LocalReceiveBufferSize  uint32
	LocalSendBufferSize     uint32
	LocalMaxChunkCount      uint32
	RemoteMaxMessageSize    uint32
	RemoteReceiveBufferSize uint32
	RemoteSendBufferSize    uint32
	RemoteMaxChunkCount     uint32
}

// saturatingMin returns the smaller of a and b.
func saturatingMin(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// saturatingMul multiplies a and b as 64-bit and clamps to math.MaxUint32,
// per spec §9's explicit requirement that the localMaxMessageSize product
// never silently wrap.
func saturatingMul(a, b uint32) uint32 {
	product := uint64(a) * uint64(b)
	if product > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(product)
}

// HelloValues is the set of fields a peer advertises in its HELLO message.
type HelloValues struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// DeriveChannelParameters converts a peer's HELLO values and the local
// static Config into the ChannelParameters used for every subsequent chunk
// on the channel, per spec §4.B:
//
//	localReceiveBufferSize = min(remoteSendBufferSize, config.maxChunkSize)
//	localSendBufferSize    = min(remoteReceiveBufferSize, config.maxChunkSize)
//	localMaxChunkCount     = config.maxChunkCount
//	localMaxMessageSize    = min(localReceiveBufferSize * localMaxChunkCount, config.maxMessageSize)
//
// All results saturate to math.MaxUint32 rather than wrap.
func DeriveChannelParameters(hello HelloValues, cfg Config) ChannelParameters {
	localReceive := saturatingMin(hello.SendBufferSize, cfg.MaxChunkSize)
	localSend := saturatingMin(hello.ReceiveBufferSize, cfg.MaxChunkSize)
	localMaxChunkCount := cfg.MaxChunkCount
	localMaxMessage := saturatingMin(saturatingMul(localReceive, localMaxChunkCount), cfg.MaxMessageSize)

	return ChannelParameters{
		LocalMaxMessageSize:     localMaxMessage,
		LocalReceiveBufferSize:  localReceive,
		LocalSendBufferSize:     localSend,
		LocalMaxChunkCount:      localMaxChunkCount,
		RemoteMaxMessageSize:    hello.MaxMessageSize,
		RemoteReceiveBufferSize: hello.ReceiveBufferSize,
		RemoteSendBufferSize:    hello.SendBufferSize,
		RemoteMaxChunkCount:     hello.MaxChunkCount,
	}
}

// Validate checks the three invariants from spec §3:
//
//	localReceiveBufferSize <= config.maxChunkSize
//	localMaxMessageSize <= localReceiveBufferSize * localMaxChunkCount
//	no field is zero
func (p ChannelParameters) Validate(cfg Config) error {
	if p.LocalReceiveBufferSize == 0 || p.LocalSendBufferSize == 0 ||
		p.LocalMaxChunkCount == 0 || p.LocalMaxMessageSize == 0 {
		return NewStatusError(KindFraming, StatusTcpMessageTooLarge, "negotiated channel parameter is zero")
	}
	if p.LocalReceiveBufferSize > cfg.MaxChunkSize {
		return NewStatusError(KindFraming, StatusTcpMessageTooLarge, "localReceiveBufferSize exceeds configured maxChunkSize")
	}
	if p.LocalMaxMessageSize > saturatingMul(p.LocalReceiveBufferSize, p.LocalMaxChunkCount) {
		return NewStatusError(KindFraming, StatusTcpMessageTooLarge, "localMaxMessageSize exceeds receiveBufferSize*maxChunkCount")
	}
	return nil
}
