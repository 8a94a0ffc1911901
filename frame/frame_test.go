package frame

import (
	"bytes"
	"testing"

	"github.com/opcua-io/uatransport"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)

	body := []byte("hello world")
	if err := w.WriteFrame(uatransport.MessageHello, uatransport.ChunkFinal, body); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	r := NewReader(buf, 0)
	fr, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if fr.Type != uatransport.MessageHello {
		t.Errorf("Type mismatch: got %s, want %s", fr.Type, uatransport.MessageHello)
	}
	if fr.ChunkType != uatransport.ChunkFinal {
		t.Errorf("ChunkType mismatch: got %c, want %c", fr.ChunkType, uatransport.ChunkFinal)
	}
	if !bytes.Equal(fr.Body, body) {
		t.Errorf("Body mismatch: got %q, want %q", fr.Body, body)
	}
}

func TestReadFrameUnknownType(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{'X', 'Y', 'Z', 'F', 8, 0, 0, 0})

	r := NewReader(buf, 0)
	_, err := r.ReadFrame()
	if !uatransport.IsStatus(err, uatransport.StatusTcpMessageTypeInvalid) {
		t.Fatalf("expected Bad_TcpMessageTypeInvalid, got %v", err)
	}
}

func TestReadFrameTooLargeRejectedBeforeBodyAllocated(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	body := make([]byte, 100)
	if err := w.WriteFrame(uatransport.MessageSecure, uatransport.ChunkFinal, body); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	// localReceiveBufferSize smaller than the declared size by exactly 1.
	r := NewReader(buf, uint32(uatransport.HeaderSize+len(body))-1)
	_, err := r.ReadFrame()
	if !uatransport.IsStatus(err, uatransport.StatusTcpMessageTooLarge) {
		t.Fatalf("expected Bad_TcpMessageTooLarge, got %v", err)
	}
}

func TestReadFrameExactSizeSucceeds(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	body := make([]byte, 100)
	if err := w.WriteFrame(uatransport.MessageSecure, uatransport.ChunkFinal, body); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	r := NewReader(buf, uint32(uatransport.HeaderSize+len(body)))
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("expected success at exact size, got %v", err)
	}
}
