// Package frame implements the OPC UA TCP framing layer: splitting an
// incoming byte stream into whole frames on their 8-byte little-endian
// header, and writing frames back out. It does not interpret chunk bodies;
// that is the job of uatransport/chunk.
package frame

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/opcua-io/uatransport"
)

// Frame is one wire-level unit: a header plus its body, exactly as it
// appeared on the socket.
type Frame struct {
	Type      uatransport.MessageType
	ChunkType uatransport.ChunkType
	// Size is the total frame size, header included, as declared on the wire.
	Size uint32
	// Body is the bytes following the 8-byte header (Size-HeaderSize of them).
	Body []byte
}

// Reader pulls whole frames off a byte stream, enforcing
// localReceiveBufferSize before it ever allocates a body buffer.
type Reader struct {
	r                      *bufio.Reader
	localReceiveBufferSize uint32
}

// NewReader wraps r. localReceiveBufferSize is the cap a declared frame size
// must not exceed; pass 0 to defer that check (e.g. before HELLO negotiates
// it). With 0, frames of any declared size are accepted until
// SetMaxFrameSize installs a bound.
func NewReader(r io.Reader, localReceiveBufferSize uint32) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, int(maxOr(localReceiveBufferSize, 8192))), localReceiveBufferSize: localReceiveBufferSize}
}

func maxOr(v, fallback uint32) uint32 {
	if v == 0 {
		return fallback
	}
	return v
}

// SetMaxFrameSize updates the bound applied to subsequently read frames.
// Called once negotiation fixes localReceiveBufferSize.
func (fr *Reader) SetMaxFrameSize(n uint32) {
	fr.localReceiveBufferSize = n
}

// ReadFrame blocks until a full frame has arrived, buffering until
// readable >= 8 && readable >= size exactly as spec §4.A describes, then
// slices out that many bytes.
//
// A message declaring size > localReceiveBufferSize fails with
// Bad_TcpMessageTooLarge before the body is allocated. An unrecognized
// message type tag fails with Bad_TcpMessageTypeInvalid.
func (fr *Reader) ReadFrame() (*Frame, error) {
	header := make([]byte, uatransport.HeaderSize)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return nil, err
	}

	typTag := uatransport.MessageType(header[0:3])
	if !typTag.Valid() {
		return nil, uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid,
			"unrecognized message type tag "+string(header[0:3]))
	}

	chunkType := uatransport.ChunkType(header[3])
	size := binary.LittleEndian.Uint32(header[4:8])

	if fr.localReceiveBufferSize != 0 && size > fr.localReceiveBufferSize {
		return nil, uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTooLarge,
			"declared frame size exceeds localReceiveBufferSize")
	}
	if size < uatransport.HeaderSize {
		return nil, uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTooLarge,
			"declared frame size smaller than header")
	}

	// HEL/ACK/ERR are always final, single-chunk frames.
	switch typTag {
	case uatransport.MessageHello, uatransport.MessageAck, uatransport.MessageError:
		chunkType = uatransport.ChunkFinal
	default:
		if !chunkType.Valid() {
			return nil, uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid,
				"unrecognized chunk type")
		}
	}

	bodyLen := size - uatransport.HeaderSize
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return nil, err
		}
	}

	return &Frame{Type: typTag, ChunkType: chunkType, Size: size, Body: body}, nil
}

// Writer serializes frames to a byte stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes the 8-byte header followed by body. The caller is
// responsible for having already encrypted/signed body as appropriate; this
// layer only frames it.
func (fw *Writer) WriteFrame(typ uatransport.MessageType, chunkType uatransport.ChunkType, body []byte) error {
	size := uint32(uatransport.HeaderSize + len(body))
	header := make([]byte, uatransport.HeaderSize)
	copy(header[0:3], typ)
	header[3] = byte(chunkType)
	binary.LittleEndian.PutUint32(header[4:8], size)

	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		_, err := fw.w.Write(body)
		return err
	}
	return nil
}
