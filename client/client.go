// Package client implements component G: the client connection FSM
// (Idle -> Connecting -> Connected -> Reconnecting/Disconnecting), grounded
// on rdgproto.Client's Start/listen/Send/Wait/Close shape but restructured
// into explicit states per the redesign the handshake and reconnect logic
// require.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opcua-io/uatransport"
	"github.com/opcua-io/uatransport/channel"
	"github.com/opcua-io/uatransport/chunk"
	"github.com/opcua-io/uatransport/frame"
	"github.com/opcua-io/uatransport/metrics"
	"github.com/opcua-io/uatransport/negotiate"
	"github.com/opcua-io/uatransport/queue"
)

// State is one node of the client connection FSM (spec §4.G).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Dialer opens the transport-layer connection to Address; net.Dialer's
// DialContext satisfies this, and tests substitute one backed by net.Pipe.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Config bundles everything a Client needs to bootstrap and maintain a
// SecureChannel to a single endpoint.
type Config struct {
	EndpointURL string
	Network     string
	Address     string
	LocalCert   []byte
	RemoteCert  []byte
	Policy      uatransport.SecurityPolicy
	Mode        uatransport.MessageSecurityMode
	Transport   uatransport.Config
	Executor    uatransport.Executor
	// Metrics, if set, is wired onto every SecureChannel this Client
	// bootstraps (chunk/token counters) and timed around every encode.
	Metrics *metrics.Metrics

	TokenLifetimeMillis uint32
	// QueueFactor bounds the pre-handshake request queue at
	// Transport.MaxChunkCount * QueueFactor (spec §4.G).
	QueueFactor uint32
}

func (cfg Config) queueBound() int {
	factor := cfg.QueueFactor
	if factor == 0 {
		factor = 4
	}
	bound := cfg.Transport.MaxChunkCount * factor
	if bound == 0 {
		bound = 256
	}
	return int(bound)
}

type queuedSend struct {
	messageType uatransport.MessageType
	body        []byte
	resultCh    chan sendOutcome
}

type sendOutcome struct {
	future channel.Future
	err    error
}

// Client drives one logical connection to an OPC UA TCP endpoint through
// its full FSM, queueing requests made before the channel is usable and
// failing in-flight ones with Bad_ConnectionClosed across a reconnect.
type Client struct {
	cfg  Config
	dial Dialer
	pool uatransport.Executor

	mu           sync.Mutex
	state        State
	conn         net.Conn
	reader       *frame.Reader
	ch           *channel.SecureChannel
	encodeActor  *queue.Actor
	retriedStale bool
	queuedSends  []*queuedSend
	readerDone   chan struct{}
}

// NewClient constructs a Client in state Idle. pool is the shared Executor
// backing the per-connection encode actor; a nil Config.Executor installs a
// small private queue.GoPool.
func NewClient(cfg Config, dial Dialer) *Client {
	pool := cfg.Executor
	if pool == nil {
		pool = queue.NewGoPool(4)
	}
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Client{
		cfg:   cfg,
		dial:  dial,
		pool:  pool,
		state: StateIdle,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount reports the number of requests awaiting a response on the
// current SecureChannel, or 0 before the first successful bootstrap. It is
// meant to back a metrics.Metrics PendingRequests gauge via a closure.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.PendingCount()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect drives Idle -> Connecting -> Connected, per spec §4.G. A stale
// channel failure (Bad_TcpSecureChannelUnknown / Bad_SecureChannelIdInvalid)
// on the first attempt triggers exactly one retry with channelId=0; any
// other failure, or a second stale failure, returns to Idle and fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("client: Connect called outside Idle state")
	}
	c.state = StateConnecting
	c.retriedStale = false
	c.mu.Unlock()

	err := c.bootstrap(ctx, 0)
	if err != nil && isStaleChannelError(err) && !c.retriedStale {
		c.retriedStale = true
		err = c.bootstrap(ctx, 0)
	}
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	c.setState(StateConnected)
	c.flushQueued()
	return nil
}

func isStaleChannelError(err error) bool {
	return uatransport.IsStatus(err, uatransport.StatusTcpSecureChannelUnknown) ||
		uatransport.IsStatus(err, uatransport.StatusSecureChannelIdInvalid)
}

// bootstrap performs the socket dial, HEL/ACK exchange, and OPN handshake,
// requesting requestedChannelID (0 asks the server to allocate a new one).
func (c *Client) bootstrap(ctx context.Context, requestedChannelID uint32) error {
	conn, err := c.dial(ctx, c.cfg.Network, c.cfg.Address)
	if err != nil {
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}

	reader := frame.NewReader(conn, 0)
	writer := frame.NewWriter(conn)

	hello := uatransport.HelloValues{
		ProtocolVersion:   uatransport.ProtocolVersion,
		ReceiveBufferSize: c.cfg.Transport.MaxChunkSize,
		SendBufferSize:    c.cfg.Transport.MaxChunkSize,
		MaxMessageSize:    c.cfg.Transport.MaxMessageSize,
		MaxChunkCount:     c.cfg.Transport.MaxChunkCount,
		EndpointURL:       c.cfg.EndpointURL,
	}
	if err := writer.WriteFrame(uatransport.MessageHello, uatransport.ChunkFinal, negotiate.EncodeHello(hello)); err != nil {
		conn.Close()
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}

	ackFrame, err := reader.ReadFrame()
	if err != nil {
		conn.Close()
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}
	if ackFrame.Type == uatransport.MessageError {
		conn.Close()
		return decodeErrFrame(ackFrame.Body)
	}
	if ackFrame.Type != uatransport.MessageAck {
		conn.Close()
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid, "expected ACK")
	}
	ack, err := negotiate.DecodeAck(ackFrame.Body)
	if err != nil {
		conn.Close()
		return err
	}
	params := negotiate.ClientDerive(hello, ack)
	if err := params.Validate(c.cfg.Transport); err != nil {
		conn.Close()
		return err
	}
	reader.SetMaxFrameSize(params.LocalReceiveBufferSize)

	ch := channel.NewSecureChannel(requestedChannelID, params, c.cfg.Policy, c.cfg.Mode, true)
	ch.LocalCert = c.cfg.LocalCert
	ch.RemoteCert = c.cfg.RemoteCert
	if m := c.cfg.Metrics; m != nil {
		ch.OnTokenRotate = func() { m.TokenRotations.Inc() }
		ch.OnChunkEncoded = func(mt uatransport.MessageType) { m.ChunksEncoded.WithLabelValues(string(mt)).Inc() }
		ch.OnChunkDecoded = func(mt uatransport.MessageType) { m.ChunksDecoded.WithLabelValues(string(mt)).Inc() }
	}

	clientNonce, err := generateNonce(c.cfg.Policy)
	if err != nil {
		conn.Close()
		return err
	}
	ch.LocalNonce = clientNonce
	opnReq := negotiate.EncodeOpenRequest(negotiate.OpenRequest{
		RequestedLifetimeMillis: c.cfg.TokenLifetimeMillis,
		ClientNonce:             clientNonce,
	})
	openRequestID := ch.NextRequestID()
	wire, err := chunk.EncodeAsymmetricChunk(ch, uatransport.MessageOpen, openRequestID, opnReq)
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(wire); err != nil {
		conn.Close()
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}

	opnFrame, err := reader.ReadFrame()
	if err != nil {
		conn.Close()
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}
	if opnFrame.Type == uatransport.MessageError {
		conn.Close()
		return decodeErrFrame(opnFrame.Body)
	}
	if opnFrame.Type != uatransport.MessageOpen {
		conn.Close()
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid, "expected OPN response")
	}
	_, _, plaintext, err := chunk.DecodeAsymmetricChunk(ch, opnFrame.Body)
	if err != nil {
		conn.Close()
		return err
	}
	openResp, err := negotiate.DecodeOpenResponse(plaintext)
	if err != nil {
		conn.Close()
		return err
	}

	ch.ChannelID = openResp.ChannelID
	ch.RemoteNonce = openResp.ServerNonce
	keys, err := c.cfg.Policy.DeriveKeys(ch.LocalNonce, ch.RemoteNonce)
	if err != nil {
		conn.Close()
		return err
	}
	ch.SetToken(&channel.SecurityToken{
		TokenID:        openResp.TokenID,
		ChannelID:      openResp.ChannelID,
		CreatedAt:      time.Now(),
		LifetimeMillis: openResp.RevisedLifetimeMillis,
		Keys:           keys,
	})

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.ch = ch
	c.encodeActor = queue.NewActor(c.pool, 64)
	c.readerDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// generateNonce produces the local half of the OPN key-derivation exchange.
// Its length only needs to give DeriveKeys enough entropy; this module uses
// the policy's signature size as a proxy for "the security profile's usual
// nonce length", falling back to 32 bytes for policies with none (e.g. None).
func generateNonce(policy uatransport.SecurityPolicy) ([]byte, error) {
	n := 32
	if policy != nil {
		if sz := policy.SignatureSize(); sz > 0 {
			n = sz
		}
	}
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		return nil, uatransport.WrapStatusError(uatransport.KindSecurity, uatransport.StatusSecurityChecksFailed, err)
	}
	return nonce, nil
}

func decodeErrFrame(body []byte) error {
	v, err := negotiate.DecodeErr(body)
	if err != nil {
		return err
	}
	code := uatransport.WireStatusCodeFromValue(v.Error)
	return uatransport.NewStatusError(uatransport.KindTransport, code, v.Reason)
}

// Send submits a request body of the given message type. While Connecting
// or Reconnecting it is buffered (bounded by Config.queueBound) and flushed
// in submission order once Connected; overflow fails the oldest queued
// request with Bad_ResourceUnavailable (spec §4.G "pre-handshake
// queueing"). Outside those states and Connected it fails immediately.
func (c *Client) Send(ctx context.Context, mt uatransport.MessageType, body []byte) (channel.Future, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		ch := c.ch
		actor := c.encodeActor
		conn := c.conn
		c.mu.Unlock()
		return c.submitEncode(ctx, ch, actor, conn, mt, body)
	case StateConnecting, StateReconnecting:
		qs := &queuedSend{messageType: mt, body: body, resultCh: make(chan sendOutcome, 1)}
		c.queuedSends = append(c.queuedSends, qs)
		if bound := c.cfg.queueBound(); len(c.queuedSends) > bound {
			oldest := c.queuedSends[0]
			c.queuedSends = c.queuedSends[1:]
			oldest.resultCh <- sendOutcome{err: uatransport.NewStatusError(uatransport.KindApplication, uatransport.StatusResourceUnavailable,
				"pre-handshake request queue overflowed")}
		}
		c.mu.Unlock()
		select {
		case out := <-qs.resultCh:
			return out.future, out.err
		case <-ctx.Done():
			return channel.Future{}, ctx.Err()
		}
	default:
		c.mu.Unlock()
		return channel.Future{}, uatransport.ErrNotConnected
	}
}

func (c *Client) submitEncode(ctx context.Context, ch *channel.SecureChannel, actor *queue.Actor, conn net.Conn, mt uatransport.MessageType, body []byte) (channel.Future, error) {
	requestID := ch.NextRequestID()
	future := ch.Register(requestID, requestID)
	errCh := actor.Submit(ctx, func() error {
		start := time.Now()
		chunks, err := chunk.EncodeSymmetricChunks(ch, mt, requestID, body)
		if m := c.cfg.Metrics; m != nil {
			m.EncodeLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			ch.Fail(requestID, err)
			return err
		}
		for _, wire := range chunks {
			if _, err := conn.Write(wire); err != nil {
				wrapped := uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
				ch.Fail(requestID, wrapped)
				return wrapped
			}
		}
		return nil
	})
	if err := <-errCh; err != nil {
		return channel.Future{}, err
	}
	return future, nil
}

// flushQueued drains queuedSends in submission order once Connected.
func (c *Client) flushQueued() {
	c.mu.Lock()
	pending := c.queuedSends
	c.queuedSends = nil
	ch := c.ch
	actor := c.encodeActor
	conn := c.conn
	c.mu.Unlock()

	for _, qs := range pending {
		future, err := c.submitEncode(context.Background(), ch, actor, conn, qs.messageType, qs.body)
		qs.resultCh <- sendOutcome{future: future, err: err}
	}
}

// Disconnect drives Connected -> Disconnecting -> Disconnected: it sends
// CLO, closes the socket, and fails every still-pending request with
// Bad_ConnectionClosed.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	ch := c.ch
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && ch != nil {
		requestID := ch.NextRequestID()
		if wire, err := chunk.EncodeSymmetricChunks(ch, uatransport.MessageClose, requestID, nil); err == nil {
			for _, w := range wire {
				_, _ = conn.Write(w)
			}
		}
	}
	if conn != nil {
		conn.Close()
	}
	if ch != nil {
		ch.FailAll(uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusConnectionClosed, "client disconnected"))
	}

	c.setState(StateDisconnected)
	return nil
}

// readLoop is the client's decode actor: it owns the socket's read side and
// runs entirely on its own goroutine so the encode actor's writes are never
// blocked by it (spec §5).
func (c *Client) readLoop() {
	c.mu.Lock()
	reader := c.reader
	ch := c.ch
	readerDone := c.readerDone
	c.mu.Unlock()
	defer close(readerDone)

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			c.handleChannelInactive(uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err))
			return
		}
		switch f.Type {
		case uatransport.MessageSecure:
			requestID, seq, plaintext, abort, err := chunk.DecodeSymmetricChunk(ch, f.ChunkType, f.Body)
			if err != nil {
				c.handleChannelInactive(err)
				return
			}
			if abort != nil {
				ch.DiscardReassembly(requestID)
				ch.Fail(requestID, &uatransport.MessageAborted{Code: abort.Code, Reason: abort.Reason})
				continue
			}
			complete, assembled, err := ch.AppendChunk(requestID, seq, plaintext, f.ChunkType == uatransport.ChunkFinal)
			if err != nil {
				c.handleChannelInactive(err)
				return
			}
			if complete {
				ch.Resolve(requestID, assembled)
			}
		case uatransport.MessageClose:
			c.handleChannelInactive(uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusConnectionClosed, "peer sent CLO"))
			return
		case uatransport.MessageError:
			c.handleChannelInactive(decodeErrFrame(f.Body))
			return
		default:
			c.handleChannelInactive(uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid,
				"unexpected message type on established channel"))
			return
		}
	}
}

// handleChannelInactive implements the Connected -> Reconnecting transition
// (spec §4.G "CHANNEL_INACTIVE"): it fails every pending request with
// Bad_ConnectionClosed and kicks off a background reconnect attempt, unless
// the client is already tearing down.
func (c *Client) handleChannelInactive(cause error) {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	ch := c.ch
	prevChannelID := uint32(0)
	if ch != nil {
		prevChannelID = ch.ChannelID
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	if ch != nil {
		ch.FailAll(uatransport.WrapStatusError(uatransport.KindChannel, uatransport.StatusConnectionClosed, cause))
	}

	go c.reconnect(prevChannelID)
}

func (c *Client) reconnect(prevChannelID uint32) {
	ctx := context.Background()
	c.mu.Lock()
	c.retriedStale = false
	c.mu.Unlock()

	err := c.bootstrap(ctx, prevChannelID)
	if err != nil && isStaleChannelError(err) && !c.retriedStale {
		c.retriedStale = true
		err = c.bootstrap(ctx, 0)
	}
	if err != nil {
		c.setState(StateIdle)
		return
	}
	c.setState(StateConnected)
	c.flushQueued()
}
