package channel

import (
	"sync"
	"time"

	"github.com/opcua-io/uatransport"
)

// PendingRequest tracks one in-flight request awaiting a correlated
// response, per spec §3.
type PendingRequest struct {
	RequestID     uint32
	RequestHandle uint32
	SubmittedAt   time.Time

	// done is closed exactly once, by whichever of Resolve/Fail/FailAll runs
	// first (an abort chunk is delivered through Fail); the result fields are
	// only valid to read after done is closed.
	done   chan struct{}
	result any
	err    error
}

// Future is the caller-facing handle to a PendingRequest's eventual result.
type Future struct {
	p *PendingRequest
}

// Wait blocks until the request completes (success, abort, or failure) and
// returns its decoded response or the terminal error.
func (f Future) Wait() (any, error) {
	<-f.p.done
	return f.p.result, f.p.err
}

// Done returns a channel closed when the request completes, for use in a
// select alongside a context deadline.
func (f Future) Done() <-chan struct{} { return f.p.done }

func newPending(requestID, requestHandle uint32) *PendingRequest {
	return &PendingRequest{RequestID: requestID, RequestHandle: requestHandle, SubmittedAt: time.Now(), done: make(chan struct{})}
}

func (p *PendingRequest) resolve(result any) {
	p.result = result
	close(p.done)
}

func (p *PendingRequest) fail(err error) {
	p.err = err
	close(p.done)
}

// SecureChannel is the ownership root of one connection: identity, current
// and previous tokens, sequence counters, and the pending-request/
// reassembly state mutated only from the channel's serialization queue
// (spec §3, §5).
type SecureChannel struct {
	ChannelID uint32
	Policy    uatransport.SecurityPolicy
	Mode      uatransport.MessageSecurityMode
	// ClientSide is true when this SecureChannel is held by the client end
	// of the connection; it selects which half of a token's DerivedKeySet
	// is used to sign/encrypt outbound chunks versus verify/decrypt
	// inbound ones.
	ClientSide bool

	LocalCert  []byte
	RemoteCert []byte

	LocalNonce  []byte
	RemoteNonce []byte

	Params uatransport.ChannelParameters

	mu       sync.Mutex
	current  *SecurityToken
	previous *SecurityToken

	sendSequence     uint32
	requestIDCounter uint32

	// lastInboundSequence is the channel-wide (not per-message) inbound
	// sequence counter: spec §4.C requires sequence numbers to be strictly
	// increasing across the whole receiving direction of the channel, not
	// reset per message.
	lastInboundSequence uint32
	haveInboundSequence bool

	// pending is written from the encode path (insert) and from external
	// completions (timeout/cancel, remove); it is read and deleted from the
	// decode path. An explicitly concurrent map per spec §5.
	pendingMu sync.Mutex
	pending   map[uint32]*PendingRequest

	// reassembly holds in-progress chunk accumulation per requestId; owned
	// exclusively by the decode task.
	reassembly map[uint32]*reassemblyState

	paused bool

	// OnTokenRotate, OnChunkEncoded, and OnChunkDecoded are optional
	// instrumentation hooks; nil is a valid, no-op value. uatransport/metrics
	// installs them to back its chunk and token-rotation counters without
	// this package importing prometheus directly.
	OnTokenRotate  func()
	OnChunkEncoded func(mt uatransport.MessageType)
	OnChunkDecoded func(mt uatransport.MessageType)
}

type reassemblyState struct {
	chunks [][]byte
}

// NewSecureChannel constructs a channel in its initial state with the given
// id, negotiated parameters, and security configuration. requestIDCounter
// starts at 0 so the first call to NextRequestID returns 1, per spec §4.F.
func NewSecureChannel(channelID uint32, params uatransport.ChannelParameters, policy uatransport.SecurityPolicy, mode uatransport.MessageSecurityMode, clientSide bool) *SecureChannel {
	return &SecureChannel{
		ChannelID:  channelID,
		Policy:     policy,
		Mode:       mode,
		Params:     params,
		ClientSide: clientSide,
		pending:    make(map[uint32]*PendingRequest),
		reassembly: make(map[uint32]*reassemblyState),
	}
}

// IsClient reports whether this SecureChannel is the client side of the
// connection.
func (c *SecureChannel) IsClient() bool { return c.ClientSide }

// SetToken installs tok as the current token. If a current token already
// exists, it is rotated into previous and the old previous is dropped, per
// spec §4.D.
func (c *SecureChannel) SetToken(tok *SecurityToken) {
	c.mu.Lock()
	rotated := c.current != nil
	if rotated {
		c.previous = c.current
	}
	c.current = tok
	c.mu.Unlock()

	if rotated && c.OnTokenRotate != nil {
		c.OnTokenRotate()
	}
}

// CurrentToken and PreviousToken return the channel's tokens. Callers must
// not mutate the returned value; tokens are copy-on-rotate.
func (c *SecureChannel) CurrentToken() *SecurityToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SecureChannel) PreviousToken() *SecurityToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// DropExpiredPrevious clears the previous token once it is past its
// lifetime+grace, per spec §9.
func (c *SecureChannel) DropExpiredPrevious(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.previous != nil && c.previous.Expired(now) {
		c.previous = nil
	}
}

// TokenForID returns the token (current or previous) matching tokenID, or
// nil with Bad_SecureChannelTokenUnknown if neither matches, per spec §4.C.
// A previous token past its lifetime plus grace no longer matches.
func (c *SecureChannel) TokenForID(tokenID uint32) (*SecurityToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.TokenID == tokenID {
		return c.current, nil
	}
	if c.previous != nil && c.previous.TokenID == tokenID && !c.previous.Expired(time.Now()) {
		return c.previous, nil
	}
	return nil, uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusSecureChannelTokenUnknown,
		"tokenId matches neither current nor previous token")
}

// NextSequenceNumber advances and returns the outbound sequence counter,
// wrapping at 2^32-1024 back to 1 (spec §3).
func (c *SecureChannel) NextSequenceNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSequence = nextSeq(c.sendSequence)
	return c.sendSequence
}

// NextRequestID assigns the next requestId, starting at 1 and wrapping the
// same way, skipping zero (spec §4.F).
func (c *SecureChannel) NextRequestID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestIDCounter = nextSeq(c.requestIDCounter)
	return c.requestIDCounter
}

func nextSeq(cur uint32) uint32 {
	const wrapLimit = 1<<32 - 1024
	if cur >= wrapLimit {
		return 1
	}
	return cur + 1
}

// Register inserts a new PendingRequest for requestID and returns the
// caller-facing Future. Called from the encode path immediately after a
// requestId is assigned.
func (c *SecureChannel) Register(requestID, requestHandle uint32) Future {
	p := newPending(requestID, requestHandle)
	c.pendingMu.Lock()
	c.pending[requestID] = p
	c.pendingMu.Unlock()
	return Future{p: p}
}

// Resolve completes the pending request for requestID with result and
// removes it from the map. A miss is a no-op reported to the caller so it
// can log-and-drop per spec §4.F.
func (c *SecureChannel) Resolve(requestID uint32, result any) (found bool) {
	c.pendingMu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	p.resolve(result)
	return true
}

// Fail completes the pending request for requestID with an error and
// removes it from the map.
func (c *SecureChannel) Fail(requestID uint32, err error) (found bool) {
	c.pendingMu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	p.fail(err)
	return true
}

// Cancel externally terminates a pending request (upper-layer timeout or
// cancellation) and removes its map entry, so a late response is dropped
// rather than delivered (spec §5).
func (c *SecureChannel) Cancel(requestID uint32, err error) {
	c.Fail(requestID, err)
}

// FailAll fails every currently pending request with err and clears the
// map; used on channel loss (spec §3, §5: "on channel loss they are all
// failed with Bad_ConnectionClosed").
func (c *SecureChannel) FailAll(err error) {
	c.pendingMu.Lock()
	all := c.pending
	c.pending = make(map[uint32]*PendingRequest)
	c.pendingMu.Unlock()
	for _, p := range all {
		p.fail(err)
	}
}

// PendingCount reports the number of outstanding requests, for the bound
// property test in spec §8.
func (c *SecureChannel) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Pause halts further decode submissions after a fatal error, so trailing
// buffers already in flight on the wire are dropped instead of processed
// (spec §4.E).
func (c *SecureChannel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *SecureChannel) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
