package client

import (
	"context"

	"github.com/opcua-io/uatransport"
)

// messageTypeGetEndpoints is the message type a GetEndpoints request is sent
// under: ordinary MSG, the same as every other request. The
// endpoint-description payload itself belongs to the DataModel layer this
// module treats as opaque, so nothing on the wire marks the request as
// GetEndpoints; the caller supplies the encoded request and receives the raw
// decoded bytes.
var messageTypeGetEndpoints = uatransport.MessageSecure

// GetEndpoints performs the convenience discovery round trip spec.md §1
// keeps in scope (everything past it, full discovery services, is not): a
// request/response over the already-open SecureChannel, returning the
// decoded response body as-is. Callers wanting typed EndpointDescription
// values decode body themselves via their own MessageCodec.
func (c *Client) GetEndpoints(ctx context.Context, request []byte) (body []byte, err error) {
	future, err := c.Send(ctx, messageTypeGetEndpoints, request)
	if err != nil {
		return nil, err
	}
	result, err := future.Wait()
	if err != nil {
		return nil, err
	}
	b, _ := result.([]byte)
	return b, nil
}
