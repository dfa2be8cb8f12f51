// Package srt implements the media transport over SRT. Unlike the framed
// stream transports, reception is push-based: once the connection opens,
// the transport reads continuously and delivers each payload through the
// handler installed by the engine. The engine installs that handler once
// and never rearms. Loss recovery, pacing, and timeouts belong to SRT
// itself; the engine layer adds none.
package srt

import (
	"fmt"
	"log/slog"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/conduit/channel"
	"github.com/zsiec/conduit/media"
	"github.com/zsiec/conduit/wire"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

func init() {
	channel.RegisterTransport(channel.SRT, New)
}

// Conn is an SRT media connection.
type Conn struct {
	channel.ConnState
	cfg channel.ConnectionConfig
	log *slog.Logger

	mu      sync.Mutex
	sock    *srtgo.Conn
	ln      *srtgo.Listener
	receive channel.ReceiveHandler
	reading bool
}

// New creates an unopened SRT connection.
func New(cfg channel.ConnectionConfig) (channel.Connection, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{cfg: cfg, log: log.With("transport", "srt")}
	c.SetStatus(channel.Closed)
	return c, nil
}

// Name returns the connection name.
func (c *Conn) Name() string { return c.cfg.Name }

// Transport returns the transport identifier.
func (c *Conn) Transport() channel.Transport { return channel.SRT }

// Mode returns Client or Server.
func (c *Conn) Mode() channel.Mode { return c.cfg.Mode }

// Direction returns In or Out.
func (c *Conn) Direction() channel.Direction { return c.cfg.Direction }

// Addr returns the configured endpoint.
func (c *Conn) Addr() string { return c.cfg.Addr() }

// PushReceive is true: reception starts when the connection opens and the
// installed handler fires per payload without rearming.
func (c *Conn) PushReceive() bool { return true }

// Connect dials the remote SRT listener. The connection name travels as
// the SRT stream id for diagnostics on the remote side.
func (c *Conn) Connect(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("srt: connect %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	go func() {
		cfg := srtgo.DefaultConfig()
		cfg.Latency = srtLatencyNs
		cfg.StreamID = c.cfg.Name

		sock, err := srtgo.Dial(c.cfg.Addr(), cfg)
		if err != nil {
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("srt: dial %s: %w", c.cfg.Addr(), err))
			return
		}
		c.adopt(sock)
		c.dispatchConnect(cb, nil)
	}()
}

// Accept listens on the configured endpoint and completes on the first
// caller. The listener is closed once a peer is adopted.
func (c *Conn) Accept(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("srt: accept %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(c.cfg.Addr(), cfg)
	if err != nil {
		c.SetStatus(channel.StatusError)
		c.dispatchConnect(cb, fmt.Errorf("srt: listen on %s: %w", c.cfg.Addr(), err))
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
			if c.Status() == channel.Connecting {
				c.SetStatus(channel.Closed)
			}
			c.dispatchConnect(cb, fmt.Errorf("srt: accept on %s: %w", c.cfg.Addr(), err))
			return
		}
		c.log.Debug("caller accepted", "remote", sock.RemoteAddr(), "stream_id", sock.StreamID())
		c.adopt(sock)
		c.dispatchConnect(cb, nil)
	}()
}

// Receive installs the payload handler and starts the receive loop. The
// loop reads framed payloads off the SRT byte stream until the connection
// tears down, delivering each through the dispatcher.
func (c *Conn) Receive(cb channel.ReceiveHandler) {
	c.mu.Lock()
	c.receive = cb
	sock := c.sock
	start := !c.reading && sock != nil && c.Status() == channel.Open
	if start {
		c.reading = true
	}
	c.mu.Unlock()

	if sock == nil {
		c.dispatchReceive(cb, nil, channel.ErrNotOpen)
		return
	}
	if start {
		go c.readLoop(sock)
	}
}

func (c *Conn) readLoop(sock *srtgo.Conn) {
	defer func() {
		c.mu.Lock()
		c.reading = false
		c.mu.Unlock()
	}()

	for {
		p, err := wire.ReadFrame(sock, c.cfg.Pool)

		c.mu.Lock()
		cb := c.receive
		c.mu.Unlock()

		if err != nil {
			c.RecordError()
			c.teardown()
			if cb != nil {
				c.dispatchReceive(cb, nil, fmt.Errorf("srt: receive: %w", err))
			}
			return
		}
		c.RecordReceived()
		if cb != nil {
			c.dispatchReceive(cb, p, nil)
		} else {
			p.Release()
		}
	}
}

// Transmit writes one framed payload.
func (c *Conn) Transmit(p *media.Payload, cb channel.TransmitHandler) {
	c.mu.Lock()
	sock := c.sock
	open := c.Status() == channel.Open
	c.mu.Unlock()
	if sock == nil || !open {
		c.dispatchTransmit(cb, channel.ErrNotOpen)
		return
	}

	go func() {
		if err := wire.WriteFrame(sock, p); err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchTransmit(cb, fmt.Errorf("srt: transmit: %w", err))
			return
		}
		c.RecordTransmitted()
		c.dispatchTransmit(cb, nil)
	}()
}

// Disconnect closes the socket and any pending listener. Status moves to
// Closed; the receive loop terminates with an error delivered to the
// installed handler.
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

func (c *Conn) adopt(sock *srtgo.Conn) {
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	c.SetStatus(channel.Open)
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
