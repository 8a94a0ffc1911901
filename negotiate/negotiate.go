// Package negotiate implements the HELLO/ACK exchange: encoding and
// decoding the HEL and ACK frame bodies, and deriving ChannelParameters
// from a peer's advertised values per spec §4.B.
package negotiate

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/opcua-io/uatransport"
)

// EndpointResolver answers whether an endpoint URL names a server this
// process is prepared to serve, and rejects the HELLO with
// Bad_TcpEndpointUrlInvalid otherwise.
type EndpointResolver interface {
	Resolve(endpointURL string) bool
}

// EncodeHello serializes a HEL body:
// protocolVersion, receiveBufferSize, sendBufferSize, maxMessageSize,
// maxChunkCount (all u32), endpointUrl (u32-len-prefixed string).
func EncodeHello(v uatransport.HelloValues) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, v.ProtocolVersion)
	writeU32(buf, v.ReceiveBufferSize)
	writeU32(buf, v.SendBufferSize)
	writeU32(buf, v.MaxMessageSize)
	writeU32(buf, v.MaxChunkCount)
	writeString(buf, v.EndpointURL)
	return buf.Bytes()
}

// DecodeHello parses a HEL body. It does not validate protocolVersion or
// endpointUrl; callers run ValidateHello separately so the caller controls
// error wrapping/logging.
func DecodeHello(body []byte) (uatransport.HelloValues, error) {
	r := bytes.NewReader(body)
	var v uatransport.HelloValues
	var err error
	if v.ProtocolVersion, err = readU32(r); err != nil {
		return v, err
	}
	if v.ReceiveBufferSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.SendBufferSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.MaxMessageSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.MaxChunkCount, err = readU32(r); err != nil {
		return v, err
	}
	if v.EndpointURL, err = readString(r); err != nil {
		return v, err
	}
	return v, nil
}

// ValidateHello applies spec §4.B's HELLO validation rules.
func ValidateHello(v uatransport.HelloValues, resolver EndpointResolver) error {
	if v.ProtocolVersion < uatransport.ProtocolVersion {
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusProtocolVersionUnsupported,
			"protocolVersion below minimum supported")
	}
	if resolver != nil && !resolver.Resolve(v.EndpointURL) {
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpEndpointUrlInvalid,
			"endpointUrl does not resolve to a registered server")
	}
	return nil
}

// AckValues is the body of the server's ACK reply: its four local
// ChannelParameters values, preceded by the server's own ProtocolVersion.
type AckValues struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

func EncodeAck(v AckValues) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, v.ProtocolVersion)
	writeU32(buf, v.ReceiveBufferSize)
	writeU32(buf, v.SendBufferSize)
	writeU32(buf, v.MaxMessageSize)
	writeU32(buf, v.MaxChunkCount)
	return buf.Bytes()
}

func DecodeAck(body []byte) (AckValues, error) {
	r := bytes.NewReader(body)
	var v AckValues
	var err error
	if v.ProtocolVersion, err = readU32(r); err != nil {
		return v, err
	}
	if v.ReceiveBufferSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.SendBufferSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.MaxMessageSize, err = readU32(r); err != nil {
		return v, err
	}
	if v.MaxChunkCount, err = readU32(r); err != nil {
		return v, err
	}
	return v, nil
}

// ErrValues is the body of an ERR frame: a status code and a reason string.
type ErrValues struct {
	Error  uint32
	Reason string
}

func EncodeErr(v ErrValues) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, v.Error)
	writeString(buf, v.Reason)
	return buf.Bytes()
}

func DecodeErr(body []byte) (ErrValues, error) {
	r := bytes.NewReader(body)
	var v ErrValues
	var err error
	if v.Error, err = readU32(r); err != nil {
		return v, err
	}
	if v.Reason, err = readString(r); err != nil {
		return v, err
	}
	return v, nil
}

// ServerDerive computes the ACK values and the resulting ChannelParameters
// the server will enforce, from the client's HELLO and the server's static
// Config.
func ServerDerive(hello uatransport.HelloValues, cfg uatransport.Config) (AckValues, uatransport.ChannelParameters) {
	params := uatransport.DeriveChannelParameters(hello, cfg)
	ack := AckValues{
		ProtocolVersion:   uatransport.ProtocolVersion,
		ReceiveBufferSize: params.LocalReceiveBufferSize,
		SendBufferSize:    params.LocalSendBufferSize,
		MaxMessageSize:    params.LocalMaxMessageSize,
		MaxChunkCount:     params.LocalMaxChunkCount,
	}
	return ack, params
}

// ClientDerive folds a server's ACK reply into the ChannelParameters the
// client will enforce: the client's own HELLO values become "local", and
// the server's ACK values become "remote" from the client's perspective.
// localMaxMessageSize is clamped to receiveBufferSize * maxChunkCount so the
// result satisfies ChannelParameters.Validate.
func ClientDerive(hello uatransport.HelloValues, ack AckValues) uatransport.ChannelParameters {
	localMaxMessage := hello.MaxMessageSize
	if product := uint64(hello.ReceiveBufferSize) * uint64(hello.MaxChunkCount); product < uint64(localMaxMessage) {
		localMaxMessage = uint32(product)
	}
	return uatransport.ChannelParameters{
		LocalMaxMessageSize:     localMaxMessage,
		LocalReceiveBufferSize:  hello.ReceiveBufferSize,
		LocalSendBufferSize:     hello.SendBufferSize,
		LocalMaxChunkCount:      hello.MaxChunkCount,
		RemoteMaxMessageSize:    ack.MaxMessageSize,
		RemoteReceiveBufferSize: ack.ReceiveBufferSize,
		RemoteSendBufferSize:    ack.SendBufferSize,
		RemoteMaxChunkCount:     ack.MaxChunkCount,
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
