// Package ws implements the framed WebSocket transport, useful when
// payloads must traverse HTTP-only middleboxes. Each binary message
// carries exactly one framed payload. The engine rearms reception after
// every completion.
package ws

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zsiec/conduit/channel"
	"github.com/zsiec/conduit/media"
	"github.com/zsiec/conduit/wire"
)

// payloadPath is the HTTP path payload websockets attach to.
const payloadPath = "/conduit"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func init() {
	channel.RegisterTransport(channel.WebSocket, New)
}

// Conn is a framed WebSocket connection.
type Conn struct {
	channel.ConnState
	cfg channel.ConnectionConfig
	log *slog.Logger

	mu   sync.Mutex
	sock *websocket.Conn
	ln   net.Listener
}

// New creates an unopened WebSocket connection.
func New(cfg channel.ConnectionConfig) (channel.Connection, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{cfg: cfg, log: log.With("transport", "ws")}
	c.SetStatus(channel.Closed)
	return c, nil
}

// Name returns the connection name.
func (c *Conn) Name() string { return c.cfg.Name }

// Transport returns the transport identifier.
func (c *Conn) Transport() channel.Transport { return channel.WebSocket }

// Mode returns Client or Server.
func (c *Conn) Mode() channel.Mode { return c.cfg.Mode }

// Direction returns In or Out.
func (c *Conn) Direction() channel.Direction { return c.cfg.Direction }

// Addr returns the configured endpoint.
func (c *Conn) Addr() string { return c.cfg.Addr() }

// PushReceive is false: the engine rearms Receive after each completion.
func (c *Conn) PushReceive() bool { return false }

// Connect dials ws://host:port/conduit.
func (c *Conn) Connect(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("ws: connect %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	go func() {
		url := fmt.Sprintf("ws://%s%s", c.cfg.Addr(), payloadPath)
		sock, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.SetStatus(channel.Closed)
			c.dispatchConnect(cb, fmt.Errorf("ws: dial %s: %w", url, err))
			return
		}
		c.adopt(sock)
		c.dispatchConnect(cb, nil)
	}()
}

// Accept serves HTTP on the configured endpoint and completes when the
// first peer upgrades. The listener is closed once a peer is adopted.
func (c *Conn) Accept(cb channel.ConnectHandler) {
	if c.Status() != channel.Closed {
		c.dispatchConnect(cb, fmt.Errorf("ws: accept %q from status %s", c.cfg.Name, c.Status()))
		return
	}
	c.SetStatus(channel.Connecting)

	ln, err := net.Listen("tcp", c.cfg.Addr())
	if err != nil {
		c.SetStatus(channel.StatusError)
		c.dispatchConnect(cb, fmt.Errorf("ws: listen on %s: %w", c.cfg.Addr(), err))
		return
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	accepted := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(payloadPath, func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		select {
		case accepted <- sock:
		default:
			sock.Close()
		}
	})

	go func() {
		serveErr := make(chan error, 1)
		go func() { serveErr <- http.Serve(ln, mux) }()

		select {
		case sock := <-accepted:
			ln.Close()
			c.mu.Lock()
			c.ln = nil
			c.mu.Unlock()
			c.log.Debug("peer accepted", "remote", sock.RemoteAddr())
			c.adopt(sock)
			c.dispatchConnect(cb, nil)
		case err := <-serveErr:
			c.mu.Lock()
			c.ln = nil
			c.mu.Unlock()
			if c.Status() == channel.Connecting {
				c.SetStatus(channel.Closed)
			}
			c.dispatchConnect(cb, fmt.Errorf("ws: accept on %s: %w", c.cfg.Addr(), err))
		}
	}()
}

// Receive reads one binary message holding one framed payload.
func (c *Conn) Receive(cb channel.ReceiveHandler) {
	sock := c.socket()
	if sock == nil {
		c.dispatchReceive(cb, nil, channel.ErrNotOpen)
		return
	}

	go func() {
		for {
			kind, msg, err := sock.ReadMessage()
			if err != nil {
				c.RecordError()
				c.teardown()
				c.dispatchReceive(cb, nil, fmt.Errorf("ws: receive: %w", err))
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			p, err := wire.Decode(msg, c.cfg.Pool)
			if err != nil {
				// A malformed message does not desync the stream; report
				// and let the engine rearm.
				c.RecordError()
				c.dispatchReceive(cb, nil, err)
				return
			}
			c.RecordReceived()
			c.dispatchReceive(cb, p, nil)
			return
		}
	}()
}

// Transmit writes one framed payload as one binary message.
func (c *Conn) Transmit(p *media.Payload, cb channel.TransmitHandler) {
	sock := c.socket()
	if sock == nil {
		c.dispatchTransmit(cb, channel.ErrNotOpen)
		return
	}

	go func() {
		if err := sock.WriteMessage(websocket.BinaryMessage, wire.Encode(p)); err != nil {
			c.RecordError()
			c.teardown()
			c.dispatchTransmit(cb, fmt.Errorf("ws: transmit: %w", err))
			return
		}
		c.RecordTransmitted()
		c.dispatchTransmit(cb, nil)
	}()
}

// Disconnect closes the websocket and any pending listener.
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

func (c *Conn) adopt(sock *websocket.Conn) {
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	c.SetStatus(channel.Open)
}

func (c *Conn) socket() *websocket.Conn {
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
