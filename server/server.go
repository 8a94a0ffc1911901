// Package server implements component H: the per-connection accept
// pipeline (HEL -> OPN -> MSG), grounded on rdgproto.Server's
// NewServer/Start/addClient/removeClient shape but generalized from a flat
// client registry into the HEL/OPN/MSG handler-replacement chain spec §4.H
// describes, with channelId allocation and endpoint registration added.
package server

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/opcua-io/uatransport"
	"github.com/opcua-io/uatransport/channel"
	"github.com/opcua-io/uatransport/chunk"
	"github.com/opcua-io/uatransport/frame"
	"github.com/opcua-io/uatransport/log"
	"github.com/opcua-io/uatransport/metrics"
	"github.com/opcua-io/uatransport/negotiate"
	"github.com/opcua-io/uatransport/queue"
)

// RequestHandler answers one decoded MSG request body and returns the
// response body to encode back. It is dispatched onto the server's work
// executor so a slow handler never blocks the owning channel's decode
// queue (spec §4.H).
type RequestHandler func(ctx context.Context, ch *channel.SecureChannel, requestID uint32, body []byte) ([]byte, error)

// Config bundles what a Server needs to accept connections and run the
// HEL/OPN/MSG handshake for each.
type Config struct {
	Resolver            negotiate.EndpointResolver
	Policy              uatransport.SecurityPolicy
	Mode                uatransport.MessageSecurityMode
	LocalCert           []byte
	Transport           uatransport.Config
	TokenLifetimeMillis uint32
	Handler             RequestHandler
	Executor            uatransport.Executor
	// Metrics, if set, is wired onto every SecureChannel this Server
	// accepts (chunk/token counters) and timed around every response encode.
	Metrics *metrics.Metrics
	// Logger receives one line per accepted/closed connection, keyed by its
	// opaque connection id rather than channelId (which doesn't exist yet
	// when a connection is first accepted). Defaults to a no-op logger.
	Logger log.Logger
}

// Server accepts TCP connections and runs each through the HEL/OPN/MSG
// handler chain on its own goroutine, allocating a fresh channelId (a
// monotonic u32 counter that skips zero) for every successful OPN.
type Server struct {
	cfg      Config
	listener net.Listener
	pool     uatransport.Executor

	channelIDCounter uint32

	mu      sync.Mutex
	conns   map[*serverConn]struct{}
	running bool
	done    chan struct{}
}

// NewServer wraps listener; Start begins accepting on it.
func NewServer(listener net.Listener, cfg Config) *Server {
	pool := cfg.Executor
	if pool == nil {
		pool = queue.NewGoPool(8)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewMock()
	}
	return &Server{
		cfg:      cfg,
		listener: listener,
		pool:     pool,
		conns:    make(map[*serverConn]struct{}),
		done:     make(chan struct{}),
	}
}

// nextChannelID returns the next channelId, skipping zero (spec §4.H).
func (s *Server) nextChannelID() uint32 {
	for {
		id := atomic.AddUint32(&s.channelIDCounter, 1)
		if id != 0 {
			return id
		}
	}
}

// Start accepts connections until Stop is called, running each through the
// handshake chain on its own goroutine. It blocks; callers typically run it
// in its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return nil
			}
			continue
		}
		sc := &serverConn{id: xid.New(), srv: s, conn: conn, reader: frame.NewReader(conn, 0), writer: frame.NewWriter(conn)}
		s.addConn(sc)
		go sc.run()
	}
}

// Stop closes the listener and every accepted connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.running = false
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	close(s.done)
	return err
}

func (s *Server) addConn(c *serverConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ConnectionCount reports the number of connections currently being served.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// PendingCount sums the request/response correlation map size across every
// connection that has completed its OPN handshake. Meant to back a
// metrics.Metrics PendingRequests gauge via a closure.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	total := 0
	for _, c := range conns {
		if ch := c.chForMetrics.Load(); ch != nil {
			total += ch.PendingCount()
		}
	}
	return total
}

// Done returns a channel closed once Stop completes.
func (s *Server) Done() <-chan struct{} { return s.done }

// serverConn owns one accepted connection through its full handshake chain
// and, once symmetric, its SecureChannel's decode side.
type serverConn struct {
	// id is an opaque per-connection identifier, independent of channelId,
	// useful for correlating log lines before a channel even exists.
	id     xid.ID
	srv    *Server
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	ch          *channel.SecureChannel
	encodeActor *queue.Actor

	// chForMetrics mirrors ch for readers outside this connection's own
	// goroutine (Server.PendingCount's scrape path); ch itself is only ever
	// touched from sc.run and its handlers, so it needs no synchronization
	// there.
	chForMetrics atomic.Pointer[channel.SecureChannel]
}

func (sc *serverConn) run() {
	sc.srv.cfg.Logger.Info("connection accepted", log.Str("conn_id", sc.id.String()))
	defer func() {
		sc.srv.removeConn(sc)
		sc.conn.Close()
		if sc.ch != nil {
			sc.ch.FailAll(uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusConnectionClosed, "connection closed"))
		}
		sc.srv.cfg.Logger.Info("connection closed", log.Str("conn_id", sc.id.String()))
	}()

	if err := sc.handleHello(); err != nil {
		sc.sendErr(err)
		return
	}
	if err := sc.handleOpen(); err != nil {
		sc.sendErr(err)
		return
	}
	sc.handleSymmetric()
}

// handleHello implements the first stage of spec §4.H: the initial handler
// expects HEL; any other first message, or a failed validation, is fatal.
func (sc *serverConn) handleHello() error {
	f, err := sc.reader.ReadFrame()
	if err != nil {
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}
	if f.Type != uatransport.MessageHello {
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid, "first message was not HEL")
	}
	hello, err := negotiate.DecodeHello(f.Body)
	if err != nil {
		return err
	}
	if err := negotiate.ValidateHello(hello, sc.srv.cfg.Resolver); err != nil {
		return err
	}

	ack, params := negotiate.ServerDerive(hello, sc.srv.cfg.Transport)
	if err := params.Validate(sc.srv.cfg.Transport); err != nil {
		return err
	}
	if err := sc.writer.WriteFrame(uatransport.MessageAck, uatransport.ChunkFinal, negotiate.EncodeAck(ack)); err != nil {
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}
	sc.reader.SetMaxFrameSize(params.LocalReceiveBufferSize)

	sc.ch = channel.NewSecureChannel(0, params, sc.srv.cfg.Policy, sc.srv.cfg.Mode, false)
	sc.chForMetrics.Store(sc.ch)
	sc.ch.LocalCert = sc.srv.cfg.LocalCert
	if m := sc.srv.cfg.Metrics; m != nil {
		sc.ch.OnTokenRotate = func() { m.TokenRotations.Inc() }
		sc.ch.OnChunkEncoded = func(mt uatransport.MessageType) { m.ChunksEncoded.WithLabelValues(string(mt)).Inc() }
		sc.ch.OnChunkDecoded = func(mt uatransport.MessageType) { m.ChunksDecoded.WithLabelValues(string(mt)).Inc() }
	}
	return nil
}

// handleOpen implements the second stage: the asymmetric handler expects
// OPN, allocates the channelId, derives the first SecurityToken, and
// replies with the OPN response.
func (sc *serverConn) handleOpen() error {
	f, err := sc.reader.ReadFrame()
	if err != nil {
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}
	if f.Type != uatransport.MessageOpen {
		return uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid, "expected OPN")
	}

	requestID, _, plaintext, err := chunk.DecodeAsymmetricChunk(sc.ch, f.Body)
	if err != nil {
		return err
	}
	openReq, err := negotiate.DecodeOpenRequest(plaintext)
	if err != nil {
		return err
	}
	sc.ch.RemoteNonce = openReq.ClientNonce

	channelID := sc.srv.nextChannelID()
	sc.ch.ChannelID = channelID

	serverNonce, err := generateServerNonce(sc.srv.cfg.Policy)
	if err != nil {
		return err
	}
	sc.ch.LocalNonce = serverNonce

	keys, err := sc.srv.cfg.Policy.DeriveKeys(openReq.ClientNonce, serverNonce)
	if err != nil {
		return err
	}
	lifetime := openReq.RequestedLifetimeMillis
	if lifetime == 0 {
		lifetime = sc.srv.cfg.TokenLifetimeMillis
	}
	tokenID := channelID // a fresh per-channel counter would also do; channelId is unique and non-zero here
	sc.ch.SetToken(&channel.SecurityToken{
		TokenID:        tokenID,
		ChannelID:      channelID,
		CreatedAt:      time.Now(),
		LifetimeMillis: lifetime,
		Keys:           keys,
	})

	resp := negotiate.EncodeOpenResponse(negotiate.OpenResponse{
		ChannelID:             channelID,
		TokenID:               tokenID,
		RevisedLifetimeMillis: lifetime,
		ServerNonce:           serverNonce,
	})
	wire, err := chunk.EncodeAsymmetricChunk(sc.ch, uatransport.MessageOpen, requestID, resp)
	if err != nil {
		return err
	}
	if _, err := sc.conn.Write(wire); err != nil {
		return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
	}

	sc.encodeActor = queue.NewActor(sc.srv.pool, 64)
	return nil
}

// handleSymmetric implements the third stage: the symmetric handler
// expects only MSG/CLO; any other message type is fatal. Request handlers
// run on the server's work executor, never on this decode loop.
func (sc *serverConn) handleSymmetric() {
	for {
		f, err := sc.reader.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case uatransport.MessageSecure:
			sc.handleMsgChunk(f)
		case uatransport.MessageClose:
			return
		default:
			sc.sendErr(uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTypeInvalid,
				"unexpected message type on established channel"))
			return
		}
	}
}

func (sc *serverConn) handleMsgChunk(f *frame.Frame) {
	requestID, seq, plaintext, abort, err := chunk.DecodeSymmetricChunk(sc.ch, f.ChunkType, f.Body)
	if err != nil {
		sc.sendErr(err)
		return
	}
	if abort != nil {
		sc.ch.DiscardReassembly(requestID)
		return
	}
	complete, assembled, err := sc.ch.AppendChunk(requestID, seq, plaintext, f.ChunkType == uatransport.ChunkFinal)
	if err != nil {
		sc.sendErr(err)
		return
	}
	if !complete {
		return
	}

	handler := sc.srv.cfg.Handler
	if handler == nil {
		return
	}
	go func() {
		<-sc.srv.pool.Submit(context.Background(), func() error {
			respBody, err := handler(context.Background(), sc.ch, requestID, assembled)
			if err != nil {
				_ = sc.sendAbort(requestID, err)
				return err
			}
			return sc.sendResponse(requestID, respBody)
		})
	}()
}

func (sc *serverConn) sendResponse(requestID uint32, body []byte) error {
	errCh := sc.encodeActor.Submit(context.Background(), func() error {
		start := time.Now()
		chunks, err := chunk.EncodeSymmetricChunks(sc.ch, uatransport.MessageSecure, requestID, body)
		if m := sc.srv.cfg.Metrics; m != nil {
			m.EncodeLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return err
		}
		for _, wire := range chunks {
			if _, err := sc.conn.Write(wire); err != nil {
				return uatransport.WrapStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, err)
			}
		}
		return nil
	})
	return <-errCh
}

func (sc *serverConn) sendAbort(requestID uint32, cause error) error {
	code := uatransport.StatusSecurityChecksFailed
	if se, ok := cause.(*uatransport.StatusError); ok {
		code = se.Code
	}
	wire, err := chunk.EncodeAbort(sc.ch, uatransport.MessageSecure, requestID, code, cause.Error())
	if err != nil {
		return err
	}
	_, err = sc.conn.Write(wire)
	return err
}

func (sc *serverConn) sendErr(cause error) {
	code := uatransport.StatusSecurityChecksFailed
	if se, ok := cause.(*uatransport.StatusError); ok {
		code = se.Code
	}
	body := negotiate.EncodeErr(negotiate.ErrValues{Error: uatransport.WireStatusCodeValue(code), Reason: cause.Error()})
	_ = sc.writer.WriteFrame(uatransport.MessageError, uatransport.ChunkFinal, body)
}

// generateServerNonce produces the server's half of the OPN key-derivation
// exchange, sized off the policy's signature length the same way the client
// side does (uatransport/client.generateNonce), falling back to 32 bytes.
func generateServerNonce(policy uatransport.SecurityPolicy) ([]byte, error) {
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
