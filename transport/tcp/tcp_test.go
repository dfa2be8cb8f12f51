package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/zsiec/conduit/channel"
	"github.com/zsiec/conduit/media"
)

func newTestConn(t *testing.T, name string, dir channel.Direction, mode channel.Mode, port uint16) *Conn {
	t.Helper()
	ci, err := New(channel.ConnectionConfig{
		Name:       name,
		Host:       "127.0.0.1",
		Port:       port,
		Mode:       mode,
		Direction:  dir,
		Dispatcher: channel.NewDispatcher(nil, true),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ci.(*Conn)
}

func waitErr(t *testing.T, ch <-chan error, desc string) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("%s: %v", desc, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out", desc)
	}
}

func TestAcceptConnectRoundTrip(t *testing.T) {
	t.Parallel()

	server := newTestConn(t, "in", channel.In, channel.Server, 0)
	serverUp := make(chan error, 1)
	server.Accept(func(err error) { serverUp <- err })
	defer server.Disconnect()

	// Accept binds synchronously, so the ephemeral port is known before
	// the peer is adopted.
	server.mu.Lock()
	ln := server.ln
	server.mu.Unlock()
	if ln == nil {
		t.Fatal("accept did not bind a listener")
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	client := newTestConn(t, "out", channel.Out, channel.Client, port)
	clientUp := make(chan error, 1)
	client.Connect(func(err error) { clientUp <- err })
	defer client.Disconnect()

	waitErr(t, serverUp, "accept")
	waitErr(t, clientUp, "connect")
	if server.Status() != channel.Open || client.Status() != channel.Open {
		t.Fatalf("status after open: server=%s client=%s", server.Status(), client.Status())
	}

	received := make(chan *media.Payload, 1)
	server.Receive(func(p *media.Payload, err error) {
		if err != nil {
			t.Errorf("receive: %v", err)
			return
		}
		received <- p
	})

	sent := make(chan error, 1)
	client.Transmit(media.NewPayload(100, 3, []byte("frame")), func(err error) { sent <- err })
	waitErr(t, sent, "transmit")

	select {
	case p := <-received:
		if p.StreamID() != 100 || p.Sequence() != 3 || string(p.Bytes()) != "frame" {
			t.Errorf("received stream=%d seq=%d bytes=%q", p.StreamID(), p.Sequence(), p.Bytes())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload did not arrive")
	}

	if got := client.Stats().PayloadsTransmitted; got != 1 {
		t.Errorf("client transmitted counter: got %d, want 1", got)
	}
	if got := server.Stats().PayloadsReceived; got != 1 {
		t.Errorf("server received counter: got %d, want 1", got)
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	// Grab an ephemeral port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	c := newTestConn(t, "out", channel.Out, channel.Client, port)
	done := make(chan error, 1)
	c.Connect(func(err error) { done <- err })

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("connect to closed port succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not complete")
	}
	if c.Status() != channel.Closed {
		t.Errorf("status after failed connect: %s, want closed", c.Status())
	}
}

func TestReceiveNotOpen(t *testing.T) {
	t.Parallel()
	c := newTestConn(t, "in", channel.In, channel.Client, 0)

	done := make(chan error, 1)
	c.Receive(func(p *media.Payload, err error) { done <- err })
	select {
	case err := <-done:
		if err == nil {
			t.Error("receive on a closed connection succeeded")
		}
	case <-time.After(time.Second):
		t.Fatal("receive completion not delivered")
	}
}

func TestPeerCloseTearsDown(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	c := newTestConn(t, "in", channel.In, channel.Client, 0)
	c.adopt(a)

	done := make(chan error, 1)
	c.Receive(func(p *media.Payload, err error) { done <- err })
	b.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("receive on a closed peer succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not complete after peer close")
	}
	if c.Status() != channel.Closed {
		t.Errorf("status after peer close: %s, want closed", c.Status())
	}
	if got := c.Stats().PayloadErrors; got != 1 {
		t.Errorf("error counter: got %d, want 1", got)
	}
}

func TestDisconnectUnblocksAccept(t *testing.T) {
	t.Parallel()

	server := newTestConn(t, "in", channel.In, channel.Server, 0)
	done := make(chan error, 1)
	server.Accept(func(err error) { done <- err })

	if err := server.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("accept completed without a peer")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not unblock on disconnect")
	}
	if server.Status() != channel.Closed {
		t.Errorf("status after disconnect: %s, want closed", server.Status())
	}
}
