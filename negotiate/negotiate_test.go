package negotiate

import (
	"testing"
	"testing/quick"

	"github.com/opcua-io/uatransport"
)

func TestHelloRoundTrip(t *testing.T) {
	v := uatransport.HelloValues{
		ProtocolVersion:   0,
		ReceiveBufferSize: 65536,
		SendBufferSize:    65536,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     64,
		EndpointURL:       "opc.tcp://localhost:12685/test",
	}
	data := EncodeHello(v)
	got, err := DecodeHello(data)
	if err != nil {
		t.Fatalf("DecodeHello failed: %v", err)
	}
	if got != v {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, v)
	}
}

func TestAckRoundTrip(t *testing.T) {
	v := AckValues{ProtocolVersion: 0, ReceiveBufferSize: 8192, SendBufferSize: 8192, MaxMessageSize: 4096, MaxChunkCount: 4}
	data := EncodeAck(v)
	got, err := DecodeAck(data)
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if got != v {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, v)
	}
}

func TestValidateHelloAcceptsMinimumProtocolVersion(t *testing.T) {
	v := uatransport.HelloValues{ProtocolVersion: 0, EndpointURL: "opc.tcp://x"}
	// The minimum ProtocolVersion is 0 and the field is a u32, so no HELLO
	// can advertise a lower version; this checks that the floor itself is
	// accepted. The rejection path of ValidateHello is exercised by the
	// unknown-endpoint test below.
	if err := ValidateHello(v, nil); err != nil {
		t.Fatalf("expected protocolVersion 0 to be accepted, got %v", err)
	}
}

type rejectAll struct{}

func (rejectAll) Resolve(string) bool { return false }

func TestValidateHelloRejectsUnknownEndpoint(t *testing.T) {
	v := uatransport.HelloValues{ProtocolVersion: 0, EndpointURL: "opc.tcp://nope"}
	err := ValidateHello(v, rejectAll{})
	if !uatransport.IsStatus(err, uatransport.StatusTcpEndpointUrlInvalid) {
		t.Fatalf("expected Bad_TcpEndpointUrlInvalid, got %v", err)
	}
}

// TestDeriveChannelParametersInvariants is the property test required by
// spec §8: for any HELLO values, derived ChannelParameters satisfy the
// three invariants and saturate correctly.
func TestDeriveChannelParametersInvariants(t *testing.T) {
	cfg := uatransport.Config{MaxChunkSize: 65536, MaxChunkCount: 64, MaxMessageSize: 1 << 24}

	f := func(recvBuf, sendBuf, maxMsg, maxChunks uint32) bool {
		hello := uatransport.HelloValues{
			ProtocolVersion:   0,
			ReceiveBufferSize: recvBuf,
			SendBufferSize:    sendBuf,
			MaxMessageSize:    maxMsg,
			MaxChunkCount:     maxChunks,
		}
		// Guard against the degenerate zero inputs the negotiation layer
		// never actually produces (a HELLO advertising zero buffers is
		// rejected upstream); quick.Check otherwise hands us those.
		if recvBuf == 0 || sendBuf == 0 {
			return true
		}
		params := uatransport.DeriveChannelParameters(hello, cfg)
		if params.LocalReceiveBufferSize > cfg.MaxChunkSize {
			return false
		}
		if params.LocalMaxMessageSize > uint32(minU64(uint64(params.LocalReceiveBufferSize)*uint64(params.LocalMaxChunkCount), 1<<32-1)) {
			return false
		}
		return params.LocalReceiveBufferSize != 0 && params.LocalSendBufferSize != 0 &&
			params.LocalMaxChunkCount != 0 && params.LocalMaxMessageSize != 0
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
