package chunk

import (
	"bytes"
	"testing"
	"time"

	"github.com/opcua-io/uatransport"
	"github.com/opcua-io/uatransport/channel"
	"github.com/opcua-io/uatransport/securitypolicy"
)

func pairedChannels(t *testing.T, mode uatransport.MessageSecurityMode, sendBufSize uint32) (client, server *channel.SecureChannel) {
	t.Helper()

	params := uatransport.ChannelParameters{
		LocalMaxMessageSize: 1 << 20, LocalReceiveBufferSize: sendBufSize, LocalSendBufferSize: sendBufSize, LocalMaxChunkCount: 256,
		RemoteMaxMessageSize: 1 << 20, RemoteReceiveBufferSize: sendBufSize, RemoteSendBufferSize: sendBufSize, RemoteMaxChunkCount: 256,
	}

	var sharedPolicy uatransport.SecurityPolicy = securitypolicy.None{}
	if mode != uatransport.SecurityModeNone {
		sharedPolicy = securitypolicy.Basic256Sha256{}
	}

	client = channel.NewSecureChannel(42, params, sharedPolicy, mode, true)
	server = channel.NewSecureChannel(42, params, sharedPolicy, mode, false)

	keys, err := sharedPolicy.DeriveKeys([]byte("client-nonce-aaaaaaaaaaaaaaaaaaa"), []byte("server-nonce-bbbbbbbbbbbbbbbbbbb"))
	if err != nil {
		t.Fatalf("DeriveKeys failed: %v", err)
	}
	tok := &channel.SecurityToken{TokenID: 1, ChannelID: 42, CreatedAt: time.Now(), LifetimeMillis: 3600000, Keys: keys}
	client.SetToken(tok)
	server.SetToken(tok)
	return client, server
}

func roundTrip(t *testing.T, mode uatransport.MessageSecurityMode, sendBufSize uint32, body []byte) {
	t.Helper()
	client, server := pairedChannels(t, mode, sendBufSize)

	wireChunks, err := EncodeSymmetricChunks(client, uatransport.MessageSecure, 7, body)
	if err != nil {
		t.Fatalf("EncodeSymmetricChunks failed: %v", err)
	}

	var assembled []byte
	for _, wire := range wireChunks {
		chunkType := uatransport.ChunkType(wire[3])
		reqID, seq, plaintext, abort, err := DecodeSymmetricChunk(server, chunkType, wire[uatransport.HeaderSize:])
		if err != nil {
			t.Fatalf("DecodeSymmetricChunk failed: %v", err)
		}
		if abort != nil {
			t.Fatalf("unexpected abort: %+v", abort)
		}
		if reqID != 7 {
			t.Fatalf("requestId mismatch: got %d want 7", reqID)
		}
		complete, msg, err := server.AppendChunk(reqID, seq, plaintext, chunkType == uatransport.ChunkFinal)
		if err != nil {
			t.Fatalf("AppendChunk failed: %v", err)
		}
		if complete {
			assembled = msg
		}
	}

	if !bytes.Equal(assembled, body) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(assembled), len(body))
	}
}

func TestRoundTripNoSecurity(t *testing.T) {
	roundTrip(t, uatransport.SecurityModeNone, 4096, []byte("the quick brown fox jumps over the lazy dog"))
}

func TestRoundTripSignAndEncrypt(t *testing.T) {
	roundTrip(t, uatransport.SecurityModeSignAndEncrypt, 4096, []byte("the quick brown fox jumps over the lazy dog, repeated to exceed one AES block boundary for sure"))
}

func TestChunkingLawAcrossSendBufferSizes(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 2000) // 20000 bytes, forces multiple chunks
	for _, sendBufSize := range []uint32{256, 512, 1024, 4096} {
		t.Run("", func(t *testing.T) {
			roundTrip(t, uatransport.SecurityModeSignAndEncrypt, sendBufSize, body)
		})
	}
}

func TestDecodeRejectsWrongChannelID(t *testing.T) {
	client, server := pairedChannels(t, uatransport.SecurityModeNone, 4096)
	server.ChannelID = 999 // simulate a chunk addressed to a different channel

	wireChunks, err := EncodeSymmetricChunks(client, uatransport.MessageSecure, 1, []byte("hi"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	_, _, _, _, err = DecodeSymmetricChunk(server, uatransport.ChunkFinal, wireChunks[0][uatransport.HeaderSize:])
	if !uatransport.IsStatus(err, uatransport.StatusSecureChannelIdInvalid) {
		t.Fatalf("expected Bad_SecureChannelIdInvalid, got %v", err)
	}
}

func TestDecodeRejectsUnknownToken(t *testing.T) {
	client, server := pairedChannels(t, uatransport.SecurityModeNone, 4096)
	// Two rotations push token 1 out of both current and previous.
	server.SetToken(&channel.SecurityToken{TokenID: 55, ChannelID: 42, CreatedAt: time.Now(), LifetimeMillis: 1000})
	server.SetToken(&channel.SecurityToken{TokenID: 56, ChannelID: 42, CreatedAt: time.Now(), LifetimeMillis: 1000})

	wireChunks, err := EncodeSymmetricChunks(client, uatransport.MessageSecure, 1, []byte("hi"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	_, _, _, _, err = DecodeSymmetricChunk(server, uatransport.ChunkFinal, wireChunks[0][uatransport.HeaderSize:])
	if !uatransport.IsStatus(err, uatransport.StatusSecureChannelTokenUnknown) {
		t.Fatalf("expected Bad_SecureChannelTokenUnknown, got %v", err)
	}
}

func TestAbortChunkCarriesStatusAndReason(t *testing.T) {
	client, server := pairedChannels(t, uatransport.SecurityModeNone, 4096)
	wire, err := EncodeAbort(client, uatransport.MessageSecure, 9, uatransport.StatusTimeout, "request exceeded deadline")
	if err != nil {
		t.Fatalf("EncodeAbort failed: %v", err)
	}
	reqID, _, plaintext, abort, err := DecodeSymmetricChunk(server, uatransport.ChunkAbort, wire[uatransport.HeaderSize:])
	if err != nil {
		t.Fatalf("decode abort failed: %v", err)
	}
	if reqID != 9 {
		t.Fatalf("requestId = %d, want 9", reqID)
	}
	if plaintext != nil {
		t.Fatalf("expected nil plaintext for abort chunk")
	}
	if abort == nil || abort.Code != uatransport.StatusTimeout || abort.Reason != "request exceeded deadline" {
		t.Fatalf("unexpected abort info: %+v", abort)
	}
}
