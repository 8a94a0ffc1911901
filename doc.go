// Package uatransport implements the transport and secure-channel layer of
// an OPC UA stack: TCP framing, HELLO/ACK negotiation, chunked message
// encoding and decoding under symmetric or asymmetric protection, and
// request/response correlation across long-lived secure channels.
//
// The OPC UA data model (structured request/response bodies, node ids,
// diagnostics) and certificate/crypto primitives are external collaborators,
// consumed here as the MessageCodec and SecurityPolicy interfaces. This
// package owns framing, chunking, sequencing, and connection state only.
package uatransport
