package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opcua-io/uatransport"
	"github.com/opcua-io/uatransport/channel"
	"github.com/opcua-io/uatransport/client"
	"github.com/opcua-io/uatransport/securitypolicy"
)

// pipeListener turns a channel of already-connected net.Conn pairs into a
// net.Listener, so tests can exercise the full accept pipeline over
// net.Pipe without opening a real socket.
type pipeListener struct {
	accept chan net.Conn
	closed chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{accept: make(chan net.Conn, 4), closed: make(chan struct{})}
}

func (p *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-p.accept:
		return c, nil
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

func (p *pipeListener) Close() error {
	close(p.closed)
	return nil
}

func (p *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type allowAll struct{}

func (allowAll) Resolve(string) bool { return true }

func xorEchoHandler(ctx context.Context, ch *channel.SecureChannel, requestID uint32, body []byte) ([]byte, error) {
	out := make([]byte, len(body))
	for i, b := range body {
		out[i] = b ^ 0xFF
	}
	return out, nil
}

func newTestPair(t *testing.T, mode uatransport.MessageSecurityMode) (*client.Client, *Server, func()) {
	t.Helper()
	cl, srv, cleanup, _ := newTestPairWithHandler(t, mode, xorEchoHandler)
	return cl, srv, cleanup
}

// newTestPairWithHandler is newTestPair generalized to a caller-supplied
// RequestHandler and a dropConn hook that severs the client's current
// transport-layer connection, to drive the Connected -> Reconnecting path
// (spec §4.G) without a real socket.
func newTestPairWithHandler(t *testing.T, mode uatransport.MessageSecurityMode, handler RequestHandler) (*client.Client, *Server, func(), func()) {
	t.Helper()
	listener := newPipeListener()

	var clientPolicy, serverPolicy uatransport.SecurityPolicy
	var localCert, remoteCert []byte
	if mode == uatransport.SecurityModeNone {
		clientPolicy = securitypolicy.None{}
		serverPolicy = securitypolicy.None{}
	} else {
		clientKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		localCert, remoteCert = []byte("client-cert"), []byte("server-cert")
		clientPolicy = securitypolicy.Basic256Sha256{
			LocalPrivateKey:  clientKey,
			ResolveRemoteKey: func([]byte) (*rsa.PublicKey, error) { return &serverKey.PublicKey, nil },
		}
		serverPolicy = securitypolicy.Basic256Sha256{
			LocalPrivateKey:  serverKey,
			ResolveRemoteKey: func([]byte) (*rsa.PublicKey, error) { return &clientKey.PublicKey, nil },
		}
	}

	transport := uatransport.DefaultConfig()
	srv := NewServer(listener, Config{
		Resolver:            allowAll{},
		Policy:              serverPolicy,
		Mode:                mode,
		LocalCert:           remoteCert,
		Transport:           transport,
		TokenLifetimeMillis: 3_600_000,
		Handler:             handler,
	})
	go srv.Start()

	var connMu sync.Mutex
	var lastConn net.Conn
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		clientEnd, serverEnd := net.Pipe()
		listener.accept <- serverEnd
		connMu.Lock()
		lastConn = clientEnd
		connMu.Unlock()
		return clientEnd, nil
	}

	cl := client.NewClient(client.Config{
		EndpointURL:         "pipe://test",
		Policy:              clientPolicy,
		Mode:                mode,
		LocalCert:           localCert,
		RemoteCert:          remoteCert,
		Transport:           transport,
		TokenLifetimeMillis: 3_600_000,
	}, dial)

	cleanup := func() {
		_ = cl.Disconnect(context.Background())
		_ = srv.Stop()
	}
	dropConn := func() {
		connMu.Lock()
		c := lastConn
		connMu.Unlock()
		if c != nil {
			c.Close()
		}
	}
	return cl, srv, cleanup, dropConn
}

func TestClientServerHandshakeAndEcho(t *testing.T) {
	cl, _, cleanup := newTestPair(t, uatransport.SecurityModeNone)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if cl.State() != client.StateConnected {
		t.Fatalf("state = %v, want Connected", cl.State())
	}

	future, err := cl.Send(ctx, uatransport.MessageSecure, []byte("hello"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	result, err := future.Wait()
	if err != nil {
		t.Fatalf("future failed: %v", err)
	}
	body, _ := result.([]byte)
	want := []byte{'h' ^ 0xFF, 'e' ^ 0xFF, 'l' ^ 0xFF, 'l' ^ 0xFF, 'o' ^ 0xFF}
	if string(body) != string(want) {
		t.Fatalf("got %v, want %v", body, want)
	}
}

func TestClientServerHandshakeSignAndEncrypt(t *testing.T) {
	cl, _, cleanup := newTestPair(t, uatransport.SecurityModeSignAndEncrypt)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	future, err := cl.Send(ctx, uatransport.MessageSecure, []byte("secret payload across multiple AES blocks for good measure"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := future.Wait(); err != nil {
		t.Fatalf("future failed: %v", err)
	}
}

func TestClientDisconnectEndsServerConnection(t *testing.T) {
	cl, srv, cleanup := newTestPair(t, uatransport.SecurityModeNone)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := cl.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not observe the client disconnect")
}

// TestClientReconnectsAfterChannelLoss drives the Connected -> Reconnecting
// -> Connected path (spec §4.G): after the transport-layer connection is
// severed, the client must recover a usable channel against the same server
// without the caller redialing. No request is pending at the moment of the
// drop, so the Bad_ConnectionClosed failure of pending requests is not
// checked here.
func TestClientReconnectsAfterChannelLoss(t *testing.T) {
	cl, _, cleanup, dropConn := newTestPairWithHandler(t, uatransport.SecurityModeNone, xorEchoHandler)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	future, err := cl.Send(ctx, uatransport.MessageSecure, []byte("before drop"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := future.Wait(); err != nil {
		t.Fatalf("first future failed: %v", err)
	}

	dropConn()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && cl.State() != client.StateConnected {
		time.Sleep(10 * time.Millisecond)
	}
	if cl.State() != client.StateConnected {
		t.Fatalf("client did not reconnect, state = %v", cl.State())
	}

	future, err = cl.Send(ctx, uatransport.MessageSecure, []byte("after reconnect"))
	if err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	result, err := future.Wait()
	if err != nil {
		t.Fatalf("second future failed: %v", err)
	}
	body, _ := result.([]byte)
	want := []byte{'a' ^ 0xFF, 'f' ^ 0xFF, 't' ^ 0xFF, 'e' ^ 0xFF, 'r' ^ 0xFF}
	if string(body[:len(want)]) != string(want) {
		t.Fatalf("got %v, want prefix %v", body, want)
	}
}

// TestAbortPropagatesToPendingFuture checks that a RequestHandler error
// reaches the server's abort-chunk path and resolves the client's Future
// with the abort's status code rather than hanging or succeeding silently.
func TestAbortPropagatesToPendingFuture(t *testing.T) {
	failingHandler := func(ctx context.Context, ch *channel.SecureChannel, requestID uint32, body []byte) ([]byte, error) {
		return nil, uatransport.NewStatusError(uatransport.KindApplication, uatransport.StatusResourceUnavailable, "rejected by test handler")
	}
	cl, _, cleanup, _ := newTestPairWithHandler(t, uatransport.SecurityModeNone, failingHandler)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	future, err := cl.Send(ctx, uatransport.MessageSecure, []byte("will be rejected"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, err = future.Wait()
	if err == nil {
		t.Fatal("expected the future to fail with the handler's abort, got nil")
	}
	var aborted *uatransport.MessageAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("expected *uatransport.MessageAborted, got %T: %v", err, err)
	}
	if aborted.Code != uatransport.StatusResourceUnavailable {
		t.Fatalf("abort code = %v, want StatusResourceUnavailable", aborted.Code)
	}
}
