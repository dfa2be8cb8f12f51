// Package tcp implements the framed TCP transport. Both modes carry one
// peer per connection: Client dials the endpoint, Server listens and
// accepts a single peer. Payloads are framed by the wire codec and the
// engine rearms reception after every completion.
package tcp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/zsiec/conduit/channel"
	"github.com/zsiec/conduit/media"
	"github.com/zsiec/conduit/wire"
)

func init() {
	channel.RegisterTransport(channel.TCP, New)
}

// Conn is a framed TCP connection.
type Conn struct {
	channel.ConnState
	cfg channel.ConnectionConfig
	log *slog.Logger

	mu   sync.Mutex
	sock net.Conn
	ln   net.Listener
}

// New creates an unopened TCP connection.
func New(cfg channel.ConnectionConfig) (channel.Connection, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{cfg: cfg, log: log.With("transport", "tcp")}
	c.SetStatus(channel.Closed)
	return c, nil
}

// Name returns the connection name.
func (c *Conn) Name() string { return c.cfg.Name }

// Transport returns the transport identifier.
func (c *Conn) Transport() channel.Transport { return channel.TCP }

// Mode returns Client or Server.
func (c *Conn) Mode() channel.Mode { return c.cfg.Mode }

// Direction returns In or Out.
func (c *Conn) Direction() channel.Direction { return c.cfg.Direction }

// Addr returns the configured endpoint.
func (c *Conn) Addr() string { return c.cfg.Addr() }

// PushReceive is false: the engine rearms Receive after each completion.
func (c *Conn) PushReceive() bool { return false }

// Connect dials the configured endpoint. Valid from Closed in Client mode.
func (c *Conn) Connect(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("tcp: connect %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	go func() {
		sock, err := net.Dial("tcp", c.cfg.Addr())
		if err != nil {
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("tcp: dial %s: %w", c.cfg.Addr(), err))
			return
		}
		c.adopt(sock)
		c.dispatchConnect(cb, nil)
	}()
}

// Accept listens on the configured endpoint and completes on the first
// peer. The listener is closed once a peer is adopted; a later re-open
// listens again.
func (c *Conn) Accept(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("tcp: accept %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	ln, err := net.Listen("tcp", c.cfg.Addr())
	if err != nil {
		c.SetStatus(channel.StatusError)
		c.dispatchConnect(cb, fmt.Errorf("tcp: listen on %s: %w", c.cfg.Addr(), err))
		return
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	go func() {
		sock, err := ln.Accept()
		ln.Close()
		c.mu.Lock()
		c.ln = nil
		c.mu.Unlock()
		if err != nil {
			// Disconnect closes the listener to unblock a pending accept.
			if c.Status() == channel.Connecting {
				c.SetStatus(channel.Closed)
			}
			c.dispatchConnect(cb, fmt.Errorf("tcp: accept on %s: %w", c.cfg.Addr(), err))
			return
		}
		c.log.Debug("peer accepted", "remote", sock.RemoteAddr())
		c.adopt(sock)
		c.dispatchConnect(cb, nil)
	}()
}

// Receive reads one whole framed payload. Any read or framing error tears
// the connection down: a byte-stream desync cannot be resynchronized.
func (c *Conn) Receive(cb channel.ReceiveHandler) {
	sock := c.socket()
	if sock == nil {
		c.dispatchReceive(cb, nil, channel.ErrNotOpen)
		return
	}

	go func() {
		p, err := wire.ReadFrame(sock, c.cfg.Pool)
		if err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchReceive(cb, nil, fmt.Errorf("tcp: receive: %w", err))
			return
		}
		c.RecordReceived()
		c.dispatchReceive(cb, p, nil)
	}()
}

// Transmit writes one framed payload.
func (c *Conn) Transmit(p *media.Payload, cb channel.TransmitHandler) {
	sock := c.socket()
	if sock == nil {
		c.dispatchTransmit(cb, channel.ErrNotOpen)
		return
	}

	go func() {
		if err := wire.WriteFrame(sock, p); err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchTransmit(cb, fmt.Errorf("tcp: transmit: %w", err))
			return
		}
		c.RecordTransmitted()
		c.dispatchTransmit(cb, nil)
	}()
}

// Disconnect closes the socket and any pending listener. Status moves to
// Closed; in-flight operations complete with errors.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	sock, ln := c.sock, c.ln
	c.sock, c.ln = nil, nil
	c.mu.Unlock()

	c.SetStatus(channel.Closed)
	if ln != nil {
		ln.Close()
	}
	if sock != nil {
		return sock.Close()
	}
	return nil
}

func (c *Conn) adopt(sock net.Conn) {
	if tc, ok := sock.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	c.SetStatus(channel.Open)
}

func (c *Conn) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status() != channel.Open {
		return nil
	}
	return c.sock
}

func (c *Conn) teardown() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()
	c.SetStatus(channel.Closed)
	if sock != nil {
		sock.Close()
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
