package channel

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zsiec/conduit/media"
)

// Transport identifies a concrete connection transport.
type Transport string

// Built-in transport names. Each is registered by its package's init and
// wired in by a blank import, so binaries carry only the transports they
// link.
const (
	TCP       Transport = "tcp"
	SRT       Transport = "srt"
	QUIC      Transport = "quic"
	WebSocket Transport = "ws"
)

// Mode selects whether a connection dials out or waits for a peer.
type Mode int

const (
	Client Mode = iota
	Server
)

func (m Mode) String() string {
	if m == Client {
		return "client"
	}
	return "server"
}

// Direction classifies a connection as a payload source or sink. Both is
// valid only as a routing lookup filter.
type Direction int

const (
	In Direction = iota
	Out
	Both
)

func (d Direction) String() string {
	switch d {
	case In:
		return "input"
	case Out:
		return "output"
	}
	return "both"
}

// Status is the connection state machine:
// Closed → Connecting → Open → Closed, with any state able to fall to
// StatusError on a fatal transport failure, from which only Disconnect
// is valid.
type Status int32

const (
	Closed Status = iota
	Connecting
	Open
	StatusError
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	}
	return "error"
}

// ConnectHandler completes a Connect or Accept.
type ConnectHandler func(err error)

// ReceiveHandler completes a Receive. The payload is valid iff err is nil.
type ReceiveHandler func(p *media.Payload, err error)

// TransmitHandler completes a Transmit.
type TransmitHandler func(err error)

// Connection is the uniform async capability every transport exposes. Each
// async operation invokes its completion exactly once, delivered through
// the channel-wide dispatch policy. Status must be readable on every
// dispatch without locks.
type Connection interface {
	Name() string
	Transport() Transport
	Mode() Mode
	Direction() Direction
	Status() Status

	// Connect dials the remote endpoint. Valid from Closed in Client mode.
	Connect(cb ConnectHandler)
	// Accept waits for a remote peer. Valid from Closed in Server mode.
	Accept(cb ConnectHandler)
	// Receive arms reception of one whole framed payload. For push-receive
	// transports the handler is installed once at open and fires per
	// payload without rearming.
	Receive(cb ReceiveHandler)
	// Transmit sends one payload. Valid from Open.
	Transmit(p *media.Payload, cb TransmitHandler)
	// Disconnect synchronously tears the connection down; status moves to
	// Closed. Safe from any status.
	Disconnect() error

	// PushReceive reports whether the transport delivers payloads on its
	// own once open. The engine rearms Receive only when it is false.
	PushReceive() bool

	// Stats returns the connection's payload counters.
	Stats() ConnectionStats
}

// ConnectionStats is a point-in-time snapshot of per-connection counters.
type ConnectionStats struct {
	PayloadsReceived    int64 `json:"payloadsReceived"`
	PayloadsTransmitted int64 `json:"payloadsTransmitted"`
	PayloadErrors       int64 `json:"payloadErrors"`
}

// ConnectionConfig is everything a transport factory needs to construct a
// connection. The dispatcher and logger are supplied by the channel.
type ConnectionConfig struct {
	Name       string
	Host       string
	Port       uint16
	Mode       Mode
	Direction  Direction
	Dispatcher *Dispatcher
	Pool       *media.Pool
	Log        *slog.Logger
}

// Addr formats the endpoint as host:port.
func (c ConnectionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TransportFactory constructs a connection for one transport.
type TransportFactory func(cfg ConnectionConfig) (Connection, error)

var (
	transportsMu sync.Mutex
	transports   = map[Transport]TransportFactory{}
)

// RegisterTransport installs a transport factory under the given name.
// Transport packages call this from init; tests register in-memory fakes
// the same way.
func RegisterTransport(t Transport, f TransportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[t] = f
}

func newConnection(t Transport, cfg ConnectionConfig) (Connection, error) {
	transportsMu.Lock()
	factory, ok := transports[t]
	var names []string
	if !ok {
		for reg := range transports {
			names = append(names, string(reg))
		}
		sort.Strings(names)
	}
	transportsMu.Unlock()
	if !ok {
		return nil, configErrorf("failed to create unsupported connection type %q (registered: %v)", t, names)
	}
	return factory(cfg)
}

// ConnState holds the atomic status shared by transport implementations.
// Transports embed it to satisfy the status part of the Connection
// contract.
type ConnState struct {
	status atomic.Int32

	received    atomic.Int64
	transmitted atomic.Int64
	errors      atomic.Int64
}

// Status returns the current connection status.
func (s *ConnState) Status() Status { return Status(s.status.Load()) }

// SetStatus atomically replaces the connection status.
func (s *ConnState) SetStatus(st Status) { s.status.Store(int32(st)) }

// RecordReceived counts one received payload.
func (s *ConnState) RecordReceived() { s.received.Add(1) }

// RecordTransmitted counts one transmitted payload.
func (s *ConnState) RecordTransmitted() { s.transmitted.Add(1) }

// RecordError counts one payload error.
func (s *ConnState) RecordError() { s.errors.Add(1) }

// Stats returns a snapshot of the connection counters.
func (s *ConnState) Stats() ConnectionStats {
	return ConnectionStats{
		PayloadsReceived:    s.received.Load(),
		PayloadsTransmitted: s.transmitted.Load(),
		PayloadErrors:       s.errors.Load(),
	}
}

// Dispatcher delivers transport completions per the channel-wide policy:
// inline runs the callback directly on the I/O goroutine, reducing latency
// and context switches; posted reschedules it on the executor, bounding
// handler chains. The posted path preserves per-connection ordering
// because the executor queue is FIFO.
type Dispatcher struct {
	exec   *Executor
	inline bool
}

// NewDispatcher creates a dispatcher with the given policy. The executor
// may be nil only when inline is true.
func NewDispatcher(exec *Executor, inline bool) *Dispatcher {
	return &Dispatcher{exec: exec, inline: inline}
}

// Dispatch runs fn per the policy.
func (d *Dispatcher) Dispatch(fn func()) {
	if d.inline {
		fn()
		return
	}
	d.exec.Post(fn)
}
