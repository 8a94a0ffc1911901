package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opcua-io/uatransport"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:          "idle",
		StateConnecting:    "connecting",
		StateConnected:     "connected",
		StateReconnecting:  "reconnecting",
		StateDisconnecting: "disconnecting",
		StateDisconnected:  "disconnected",
		State(99):          "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestQueueBoundDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.queueBound(); got != 256 {
		t.Errorf("queueBound() with zero Transport = %d, want 256", got)
	}

	cfg.Transport.MaxChunkCount = 10
	if got := cfg.queueBound(); got != 40 {
		t.Errorf("queueBound() = %d, want 40 (10 * default factor 4)", got)
	}

	cfg.QueueFactor = 2
	if got := cfg.queueBound(); got != 20 {
		t.Errorf("queueBound() = %d, want 20 (10 * 2)", got)
	}
}

func TestNewClientStartsIdle(t *testing.T) {
	c := NewClient(Config{}, nil)
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want Idle", c.State())
	}
}

func TestSendOutsideConnectedOrQueueingFails(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Send(context.Background(), uatransport.MessageSecure, []byte("x"))
	if err != uatransport.ErrNotConnected {
		t.Fatalf("Send() err = %v, want ErrNotConnected", err)
	}
}

func TestIsStaleChannelError(t *testing.T) {
	stale := uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusTcpSecureChannelUnknown, "unknown channel")
	if !isStaleChannelError(stale) {
		t.Error("expected Bad_TcpSecureChannelUnknown to be a stale channel error")
	}
	other := uatransport.NewStatusError(uatransport.KindChannel, uatransport.StatusConnectionClosed, "closed")
	if isStaleChannelError(other) {
		t.Error("did not expect Bad_ConnectionClosed to be a stale channel error")
	}
}

func TestConnectFailsWhenDialerErrors(t *testing.T) {
	boom := uatransport.NewStatusError(uatransport.KindTransport, uatransport.StatusConnectionClosed, "refused")
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, boom
	}
	c := NewClient(Config{}, dial)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected Connect to fail when the dialer errors")
	}
	if c.State() != StateIdle {
		t.Fatalf("State() after failed Connect = %v, want Idle", c.State())
	}
}

func TestConnectTwiceWithoutDisconnectRejected(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		return clientEnd, nil
	}
	c := NewClient(Config{}, dial)
	c.setState(StateConnecting)

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to reject a second call while not Idle")
	}
}

func TestDisconnectFromIdleIsANoop(t *testing.T) {
	c := NewClient(Config{}, nil)
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() from Idle = %v, want nil", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("State() after Disconnect from Idle = %v, want Idle", c.State())
	}
}
