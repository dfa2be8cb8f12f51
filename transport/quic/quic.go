// Package quic implements the framed QUIC transport. Each connection
// carries one bidirectional stream: the client opens it after the
// handshake, the server adopts the first stream the peer opens. Payloads
// are framed by the wire codec and the engine rearms reception after every
// completion.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/conduit/certs"
	"github.com/zsiec/conduit/channel"
	"github.com/zsiec/conduit/media"
	"github.com/zsiec/conduit/wire"
)

// alpnProtocol identifies conduit payload streams during the handshake.
const alpnProtocol = "conduit"

func init() {
	channel.RegisterTransport(channel.QUIC, New)
}

// Conn is a framed QUIC connection.
type Conn struct {
	channel.ConnState
	cfg channel.ConnectionConfig
	log *slog.Logger

	mu     sync.Mutex
	sess   quic.Connection
	stream quic.Stream
	ln     *quic.Listener
	cancel context.CancelFunc
}

// New creates an unopened QUIC connection.
func New(cfg channel.ConnectionConfig) (channel.Connection, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{cfg: cfg, log: log.With("transport", "quic")}
	c.SetStatus(channel.Closed)
	return c, nil
}

// Name returns the connection name.
func (c *Conn) Name() string { return c.cfg.Name }

// Transport returns the transport identifier.
func (c *Conn) Transport() channel.Transport { return channel.QUIC }

// Mode returns Client or Server.
func (c *Conn) Mode() channel.Mode { return c.cfg.Mode }

// Direction returns In or Out.
func (c *Conn) Direction() channel.Direction { return c.cfg.Direction }

// Addr returns the configured endpoint.
func (c *Conn) Addr() string { return c.cfg.Addr() }

// PushReceive is false: the engine rearms Receive after each completion.
func (c *Conn) PushReceive() bool { return false }

// Connect dials the configured endpoint and opens the payload stream.
// The deployment model is a trusted media network, so the peer's
// self-signed certificate is accepted without CA verification.
func (c *Conn) Connect(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("quic: connect %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		tlsConf := &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProtocol},
		}
		sess, err := quic.DialAddr(ctx, c.cfg.Addr(), tlsConf, &quic.Config{})
		if err != nil {
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("quic: dial %s: %w", c.cfg.Addr(), err))
			return
		}
		stream, err := sess.OpenStreamSync(ctx)
		if err != nil {
			sess.CloseWithError(0, "stream open failed")
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("quic: open stream: %w", err))
			return
		}
		c.adopt(sess, stream)
		c.dispatchConnect(cb, nil)
	}()
}

// Accept listens on the configured endpoint with a freshly generated
// self-signed certificate and completes when the first peer opens its
// payload stream. The listener is closed once a peer is adopted.
func (c *Conn) Accept(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("quic: accept %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	cert, err := certs.Generate(0, c.cfg.Host)
	if err != nil {
		c.SetStatus(channel.StatusError)
		c.dispatchConnect(cb, fmt.Errorf("quic: generate certificate: %w", err))
		return
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}

	ln, err := quic.ListenAddr(c.cfg.Addr(), tlsConf, &quic.Config{})
	if err != nil {
		c.SetStatus(channel.StatusError)
		c.dispatchConnect(cb, fmt.Errorf("quic: listen on %s: %w", c.cfg.Addr(), err))
		return
	}
	c.log.Debug("listening", "addr", c.cfg.Addr(), "cert_hash", cert.FingerprintBase64())

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ln = ln
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		sess, err := ln.Accept(ctx)
		ln.Close()
		c.mu.Lock()
		c.ln = nil
		c.mu.Unlock()
		if err != nil {
			if c.Status() == channel.Connecting {
				c.SetStatus(channel.Closed)
			}
			c.dispatchConnect(cb, fmt.Errorf("quic: accept on %s: %w", c.cfg.Addr(), err))
			return
		}
		stream, err := sess.AcceptStream(ctx)
		if err != nil {
			sess.CloseWithError(0, "stream accept failed")
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("quic: accept stream: %w", err))
			return
		}
		c.log.Debug("peer accepted", "remote", sess.RemoteAddr())
		c.adopt(sess, stream)
		c.dispatchConnect(cb, nil)
	}()
}

// Receive reads one whole framed payload from the payload stream.
func (c *Conn) Receive(cb channel.ReceiveHandler) {
	stream := c.payloadStream()
	if stream == nil {
		c.dispatchReceive(cb, nil, channel.ErrNotOpen)
		return
	}

	go func() {
		p, err := wire.ReadFrame(stream, c.cfg.Pool)
		if err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchReceive(cb, nil, fmt.Errorf("quic: receive: %w", err))
			return
		}
		c.RecordReceived()
		c.dispatchReceive(cb, p, nil)
	}()
}

// Transmit writes one framed payload to the payload stream.
func (c *Conn) Transmit(p *media.Payload, cb channel.TransmitHandler) {
	stream := c.payloadStream()
	if stream == nil {
		c.dispatchTransmit(cb, channel.ErrNotOpen)
		return
	}

	go func() {
		if err := wire.WriteFrame(stream, p); err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchTransmit(cb, fmt.Errorf("quic: transmit: %w", err))
			return
		}
		c.RecordTransmitted()
		c.dispatchTransmit(cb, nil)
	}()
}

// Disconnect closes the session and any pending listener. Status moves to
// Closed; in-flight operations complete with errors.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	sess, ln, cancel := c.sess, c.ln, c.cancel
	c.sess, c.stream, c.ln, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	c.SetStatus(channel.Closed)
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	if sess != nil {
		return sess.CloseWithError(0, "disconnect")
	}
	return nil
}

func (c *Conn) adopt(sess quic.Connection, stream quic.Stream) {
	c.mu.Lock()
	c.sess = sess
	c.stream = stream
	c.mu.Unlock()
	c.SetStatus(channel.Open)
}

func (c *Conn) payloadStream() quic.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != channel.Open {
		return nil
	}
	return c.stream
}

func (c *Conn) teardown() {
	c.mu.Lock()
	sess := c.sess
	c.sess, c.stream = nil, nil
	c.mu.Unlock()
	c.SetStatus(channel.Closed)
	if sess != nil {
		sess.CloseWithError(0, "teardown")
	}
}

func (c *Conn) dispatchConnect(cb channel.ConnectHandler, err error) {
	c.cfg.Dispatcher.Dispatch(func() { cb(err) })
}

func (c *Conn) dispatchReceive(cb channel.ReceiveHandler, p *media.Payload, err error) {
	c.cfg.Dispatcher.Dispatch(func() { cb(p, err) })
}

func (c *Conn) dispatchTransmit(cb channel.TransmitHandler, err error) {
	c.cfg.Dispatcher.Dispatch(func() { cb(err) })
}
