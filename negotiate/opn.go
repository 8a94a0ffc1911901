package negotiate

import (
	"bytes"
	"io"
)

// OpenRequest is this module's OPN request payload: a client nonce (for
// symmetric key derivation) and the client's requested token lifetime. The
// full OpenSecureChannelRequest structure (security mode, policy URI,
// request type) lives in the DataModel layer this module treats as opaque;
// only the fields the transport itself needs to allocate a channel and
// derive keys are defined here.
type OpenRequest struct {
	RequestedLifetimeMillis uint32
	ClientNonce             []byte
}

func EncodeOpenRequest(v OpenRequest) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, v.RequestedLifetimeMillis)
	writeU32(buf, uint32(len(v.ClientNonce)))
	buf.Write(v.ClientNonce)
	return buf.Bytes()
}

func DecodeOpenRequest(body []byte) (OpenRequest, error) {
	r := bytes.NewReader(body)
	var v OpenRequest
	var err error
	if v.RequestedLifetimeMillis, err = readU32(r); err != nil {
		return v, err
	}
	n, err := readU32(r)
	if err != nil {
		return v, err
	}
	if n > 0 {
		v.ClientNonce = make([]byte, n)
		if _, err := io.ReadFull(r, v.ClientNonce); err != nil {
			return v, err
		}
	}
	return v, nil
}

// OpenResponse is the server's OPN reply: the newly allocated channelId,
// the first SecurityToken's id and revised lifetime, and the server's
// nonce half of the key-derivation exchange.
type OpenResponse struct {
	ChannelID             uint32
	TokenID               uint32
	RevisedLifetimeMillis uint32
	ServerNonce           []byte
}

func EncodeOpenResponse(v OpenResponse) []byte {
	buf := new(bytes.Buffer)
	writeU32(buf, v.ChannelID)
	writeU32(buf, v.TokenID)
	writeU32(buf, v.RevisedLifetimeMillis)
	writeU32(buf, uint32(len(v.ServerNonce)))
	buf.Write(v.ServerNonce)
	return buf.Bytes()
}

func DecodeOpenResponse(body []byte) (OpenResponse, error) {
	r := bytes.NewReader(body)
	var v OpenResponse
	var err error
	if v.ChannelID, err = readU32(r); err != nil {
		return v, err
	}
	if v.TokenID, err = readU32(r); err != nil {
		return v, err
	}
	if v.RevisedLifetimeMillis, err = readU32(r); err != nil {
		return v, err
	}
	n, err := readU32(r)
	if err != nil {
		return v, err
	}
	if n > 0 {
		v.ServerNonce = make([]byte, n)
		if _, err := io.ReadFull(r, v.ServerNonce); err != nil {
			return v, err
		}
	}
	return v, nil
}
