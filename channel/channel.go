// Package channel implements the concurrent dispatch and buffering core of
// Conduit: it owns a set of named, directional connections and logical
// streams, fans payloads received on input connections out to every output
// connection mapped to the payload's stream, applies per-output bounded
// queueing with a latched overflow policy, and coordinates startup and
// shutdown across a shared executor worker pool.
package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/cenkalti/backoff/v4"

	"github.com/zsiec/conduit/media"
)

// overflowLowWatermark is the fraction of capacity an overflowed buffer
// must drain below before another buffer-full warning may be emitted.
const overflowLowWatermark = 0.8

// Config carries the channel-wide options fixed at construction.
type Config struct {
	// InlineHandlers invokes transport completions directly on the I/O
	// goroutine. When false, completions are reposted on the executor.
	InlineHandlers bool
	// QueueDepth bounds the executor task queue; 0 selects the default.
	QueueDepth int
	// Pool supplies payload byte storage. Nil creates a private pool.
	Pool *media.Pool
	// Log is the base logger. Nil uses slog.Default().
	Log *slog.Logger
}

// connState pairs a connection with its transmit queue and overflow latch.
type connState struct {
	conn       Connection
	buf        *PayloadBuffer
	overflowed atomic.Bool
}

// Channel binds a set of connections and streams under one executor and
// drives the read→dispatch→write pipelines between them. All configuration
// happens before Start; the connection, stream, and routing tables are
// read-only once the channel is running.
type Channel struct {
	name string
	log  *slog.Logger
	cfg  Config

	exec *Executor
	disp *Dispatcher
	pool *media.Pool

	conns   []*connState
	byName  map[string]*connState
	streams map[uint16]*Stream
	order   []uint16

	routing *RoutingMap

	onFatal func(error)
	shutSig *shutdown.Signaller

	started      atomic.Bool
	shutdownOnce sync.Once

	openMu      sync.Mutex
	reopenMu    sync.Mutex
	reopenBo    backoff.BackOff
	reopenArmed bool
}

// New creates a channel with the given name. The name appears in every log
// record the channel emits.
func New(name string, cfg Config) *Channel {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = media.NewPool()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	c := &Channel{
		name:     name,
		log:      log.With("channel", name),
		cfg:      cfg,
		exec:     NewExecutor(cfg.QueueDepth),
		pool:     pool,
		byName:   make(map[string]*connState),
		streams:  make(map[uint16]*Stream),
		routing:  NewRoutingMap(),
		shutSig:  shutdown.NewSignaller(),
		reopenBo: bo,
	}
	c.disp = &Dispatcher{exec: c.exec, inline: cfg.InlineHandlers}
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// AddInput registers an input connection of the given transport. Every
// connection gets a queue of the given capacity, but the read loop places
// an input's payloads on the queues of its outputs, so the input's own
// queue stays unused.
func (c *Channel) AddInput(t Transport, name, host string, port uint16, mode Mode, bufferCapacity int) (Connection, error) {
	return c.addConnection(t, name, host, port, mode, In, bufferCapacity)
}

// AddOutput registers an output connection of the given transport with a
// bounded transmit queue of the given capacity.
func (c *Channel) AddOutput(t Transport, name, host string, port uint16, mode Mode, bufferCapacity int) (Connection, error) {
	return c.addConnection(t, name, host, port, mode, Out, bufferCapacity)
}

func (c *Channel) addConnection(t Transport, name, host string, port uint16, mode Mode, dir Direction, bufferCapacity int) (Connection, error) {
	if c.started.Load() {
		return nil, ErrChannelStarted
	}
	if _, exists := c.byName[name]; exists {
		return nil, configErrorf("connection %q is already defined", name)
	}

	conn, err := newConnection(t, ConnectionConfig{
		Name:       name,
		Host:       host,
		Port:       port,
		Mode:       mode,
		Direction:  dir,
		Dispatcher: c.disp,
		Pool:       c.pool,
		Log:        c.log.With("connection", name),
	})
	if err != nil {
		return nil, err
	}

	st := &connState{conn: conn, buf: NewPayloadBuffer(bufferCapacity)}
	c.conns = append(c.conns, st)
	c.byName[name] = st
	return conn, nil
}

// AddVideoStream declares a video stream with its frame geometry and rate.
func (c *Channel) AddVideoStream(id uint16, frameWidth, frameHeight, bytesPerPixel, rateNumerator, rateDenominator int) (*Stream, error) {
	return c.addStream(&Stream{
		id:    id,
		ptype: Video,
		video: &VideoAttributes{
			FrameWidth:      frameWidth,
			FrameHeight:     frameHeight,
			BytesPerPixel:   bytesPerPixel,
			RateNumerator:   rateNumerator,
			RateDenominator: rateDenominator,
		},
	})
}

// AddAudioStream declares an audio stream with its grouping, sampling
// parameters, and language tag.
func (c *Channel) AddAudioStream(id uint16, grouping AudioChannelGrouping, sampleRate, bytesPerSample int, language string) (*Stream, error) {
	return c.addStream(&Stream{
		id:    id,
		ptype: Audio,
		audio: &AudioAttributes{
			Grouping:       grouping,
			SampleRate:     sampleRate,
			BytesPerSample: bytesPerSample,
			Language:       language,
		},
	})
}

// AddAncillaryStream declares an ancillary data stream.
func (c *Channel) AddAncillaryStream(id uint16) (*Stream, error) {
	return c.addStream(&Stream{id: id, ptype: Ancillary})
}

func (c *Channel) addStream(s *Stream) (*Stream, error) {
	if c.started.Load() {
		return nil, ErrChannelStarted
	}
	if _, exists := c.streams[s.id]; exists {
		return nil, configErrorf("stream [%d] is already defined", s.id)
	}
	c.streams[s.id] = s
	c.order = append(c.order, s.id)
	return s, nil
}

// MapStream associates a stream with a connection in both directions of
// the routing map. Mapping a second input connection to the same stream is
// rejected.
func (c *Channel) MapStream(streamID uint16, connectionName string) error {
	if c.started.Load() {
		return ErrChannelStarted
	}
	st, ok := c.byName[connectionName]
	if !ok {
		return configErrorf("failed to map unknown connection %q", connectionName)
	}
	if _, ok := c.streams[streamID]; !ok {
		return configErrorf("an unrecognized stream [%d] was specified", streamID)
	}
	return c.routing.Bind(connectionName, st.conn.Direction(), streamID)
}

// ValidateConfiguration checks the routing for holes: every connection
// must carry at least one stream, and every stream fed by an input must
// reach at least one output.
func (c *Channel) ValidateConfiguration() error {
	for _, st := range c.conns {
		if len(c.routing.StreamsOf(st.conn.Name())) == 0 {
			return configErrorf("connection %q has no stream assigned", st.conn.Name())
		}
	}
	for _, id := range c.order {
		if len(c.routing.ConnectionsOf(id, In)) > 0 && len(c.routing.ConnectionsOf(id, Out)) == 0 {
			return configErrorf("stream [%d] has an input but no output connection", id)
		}
	}
	return nil
}

// ShowConfiguration writes a diagnostic dump of the configured inputs,
// outputs, and their bound streams. Operators use it to confirm that
// validation accepted the intended routing.
func (c *Channel) ShowConfiguration(w io.Writer) {
	fmt.Fprintf(w, "# Inputs\n")
	c.showConnections(w, In)
	fmt.Fprintf(w, "\n# Outputs\n")
	c.showConnections(w, Out)
}

func (c *Channel) showConnections(w io.Writer, dir Direction) {
	for _, st := range c.conns {
		conn := st.conn
		if conn.Direction() != dir {
			continue
		}
		fmt.Fprintf(w, "  [%-12s] type: %s, mode: %s, endpoint: %s, buffer: %d\n",
			conn.Name(), conn.Transport(), conn.Mode(), connAddr(conn), st.buf.Capacity())
		for _, id := range c.routing.StreamsOf(conn.Name()) {
			if s := c.streams[id]; s != nil {
				fmt.Fprintf(w, "    stream: %d (%s)\n", id, s.Type())
			}
		}
	}
}

// ChannelStats aggregates per-connection and per-stream counters.
type ChannelStats struct {
	Connections map[string]ConnectionStats `json:"connections"`
	Streams     map[uint16]StreamStats     `json:"streams"`
}

// Stats returns a snapshot of every counter the channel tracks.
func (c *Channel) Stats() ChannelStats {
	stats := ChannelStats{
		Connections: make(map[string]ConnectionStats, len(c.conns)),
		Streams:     make(map[uint16]StreamStats, len(c.streams)),
	}
	for _, st := range c.conns {
		stats.Connections[st.conn.Name()] = st.conn.Stats()
	}
	for id, s := range c.streams {
		stats.Streams[id] = s.Stats()
	}
	return stats
}

// Stream returns the declared stream with the given id, or nil.
func (c *Channel) Stream(id uint16) *Stream { return c.streams[id] }

// Start opens every connection, runs the executor, and blocks until
// shutdown. With workers == 0 all continuations execute on the calling
// goroutine; otherwise a pool of the given size drives them. The fatal
// sink is invoked when a connection fails to open or leaves Open status
// on a receive or transmit error. Cancelling ctx triggers Shutdown.
func (c *Channel) Start(ctx context.Context, onFatal func(error), workers int) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrChannelStarted
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	c.onFatal = onFatal

	unwatch := context.AfterFunc(ctx, c.Shutdown)
	defer unwatch()

	c.log.Info("waiting for channel connections to be ready", "workers", workers)
	c.openConnections()

	c.exec.Run(workers)

	// Shutdown drives the executor stop, so reaching here means the
	// channel is fully torn down.
	<-c.shutSig.HasStoppedChan()
	c.log.Info("channel shut down successfully")
	return nil
}

// Shutdown disconnects every connection and stops the executor. It is
// idempotent: calls after the first observe the cleared sentinel and do
// nothing. It completes before Start returns.
func (c *Channel) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.log.Debug("channel is shutting down")
		c.shutSig.TriggerSoftStop()

		for _, st := range c.conns {
			if err := st.conn.Disconnect(); err != nil {
				c.log.Error("connection could not be closed", "connection", st.conn.Name(), "error", err)
			} else {
				c.log.Info("connection closed successfully", "connection", st.conn.Name())
			}
		}

		c.exec.Stop()
		c.shutSig.TriggerHasStopped()
	})
}

func (c *Channel) isActive() bool {
	return !c.shutSig.IsSoftStopSignalled()
}

// openConnections issues a connect or accept for every connection still in
// Closed status. Completion handlers route inputs into the read loop and
// outputs into the write loop. Serialized so concurrent failure paths
// cannot double-open a connection.
func (c *Channel) openConnections() {
	if !c.isActive() {
		return
	}
	c.openMu.Lock()
	defer c.openMu.Unlock()

	for _, st := range c.conns {
		conn := st.conn
		if conn.Status() != Closed {
			continue
		}

		handler := func(err error) {
			if err != nil {
				c.log.Error("connection failed", "connection", conn.Name(), "error", err)
				c.onFatal(err)
				return
			}

			c.log.Info("connection established successfully", "connection", conn.Name())
			c.resetReopenBackoff()
			if !c.isActive() {
				return
			}

			if conn.Direction() == In {
				// Payloads queued for outputs of this input's streams
				// predate the input becoming ready and are stale.
				for _, id := range c.routing.StreamsOf(conn.Name()) {
					for _, outName := range c.routing.ConnectionsOf(id, Out) {
						if out := c.byName[outName]; out != nil {
							out.buf.Clear()
						}
					}
				}
				c.beginRead(st)
			} else {
				c.writeNext(st)
			}
		}

		c.log.Debug("opening connection", "connection", conn.Name())
		if conn.Mode() == Client {
			conn.Connect(handler)
		} else {
			conn.Accept(handler)
		}
	}
}

// beginRead starts the read loop for an input connection. Push-receive
// transports deliver payloads on their own once the handler is installed;
// the others are rearmed after every completion.
func (c *Channel) beginRead(st *connState) {
	st.conn.Receive(func(p *media.Payload, err error) {
		c.readComplete(st, p, err)
	})
}

func (c *Channel) armReceive(st *connState) {
	if !c.isActive() {
		return
	}
	if st.conn.Status() != Open {
		c.log.Warn("input connection is not ready", "connection", st.conn.Name())
		c.scheduleReopen()
		return
	}
	c.beginRead(st)
}

// readComplete is the input side of the pipeline: it resolves the
// payload's stream, fans the handle out to every mapped output buffer,
// and rearms reception for pull transports.
func (c *Channel) readComplete(st *connState, p *media.Payload, err error) {
	if !c.isActive() {
		if p != nil {
			p.Release()
		}
		return
	}

	conn := st.conn
	if err != nil {
		if p != nil {
			if s := c.streamFor(conn, p.StreamID()); s != nil {
				s.PayloadReceived()
				s.PayloadError()
			}
			p.Release()
		}
		if conn.Status() != Open {
			c.log.Warn("input connection is not ready", "connection", conn.Name(), "error", err)
			c.onFatal(err)
			c.scheduleReopen()
			return
		}
		c.log.Warn("error receiving a payload", "connection", conn.Name(), "error", err)
		if !conn.PushReceive() {
			c.armReceive(st)
		}
		return
	}

	s := c.streamFor(conn, p.StreamID())
	if s == nil {
		c.log.Warn("payload for unmapped stream discarded",
			"connection", conn.Name(), "stream", p.StreamID())
		p.Release()
		if !conn.PushReceive() {
			c.armReceive(st)
		}
		return
	}

	received := s.PayloadReceived()
	for _, outName := range c.routing.ConnectionsOf(s.ID(), Out) {
		out := c.byName[outName]
		if out == nil {
			continue
		}
		if out.conn.Status() != Open {
			c.openConnections()
			continue
		}

		buf := c.connectionBuffer(out)
		if buf.IsFull() {
			s.PayloadError()
		}
		clone := p.Clone()
		if !buf.Enqueue(clone) {
			clone.Release()
		}
		c.log.Debug("received payload",
			"stream", s.ID(),
			"count", received,
			"sequence", p.Sequence(),
			"size", p.Size(),
			"queue", fmt.Sprintf("%d/%d", buf.Size(), buf.Capacity()))
	}
	p.Release()

	if !conn.PushReceive() {
		c.armReceive(st)
	}
}

// writeNext is the output side of the pipeline: it transmits the front of
// the connection's queue, or parks on the buffer's not-empty waiter when
// the queue is drained.
func (c *Channel) writeNext(st *connState) {
	if !c.isActive() {
		return
	}
	conn := st.conn
	if conn.Status() != Open {
		c.log.Warn("output connection is not ready", "connection", conn.Name())
		c.scheduleReopen()
		return
	}

	buf := c.connectionBuffer(st)
	if buf.IsEmpty() {
		buf.WhenNotEmpty(func() {
			c.exec.Post(func() { c.writeNext(st) })
		})
		return
	}

	p := buf.Front()
	s := c.streamFor(conn, p.StreamID())
	if s == nil {
		// Remapped mid-flight; nothing to account against.
		buf.PopFront()
		p.Release()
		c.writeNext(st)
		return
	}

	// Counts attempts in flight, so the value may momentarily exceed the
	// number of successfully transmitted payloads.
	attempt := s.PayloadTransmitted()
	c.log.Debug("transmitting payload",
		"stream", p.StreamID(),
		"count", attempt,
		"sequence", p.Sequence(),
		"size", p.Size(),
		"queue", fmt.Sprintf("%d/%d", buf.Size(), buf.Capacity()))

	conn.Transmit(p, func(err error) {
		c.writeComplete(st, s, err)
	})
}

func (c *Channel) writeComplete(st *connState, s *Stream, err error) {
	if !c.isActive() {
		return
	}

	buf := c.connectionBuffer(st)
	if front := buf.Front(); front != nil {
		buf.PopFront()
		front.Release()
	}

	if err != nil {
		s.PayloadError()
		c.log.Warn("error transmitting a payload", "connection", st.conn.Name(), "error", err)
		if st.conn.Status() != Open {
			c.onFatal(err)
			c.scheduleReopen()
			return
		}
	}

	c.writeNext(st)
}

// connectionBuffer returns the connection's transmit queue, maintaining
// the overflow latch: one warning when the buffer fills, released only
// after occupancy drains below the low watermark.
func (c *Channel) connectionBuffer(st *connState) *PayloadBuffer {
	buf := st.buf
	size := buf.Size()
	if buf.IsFull() {
		if st.overflowed.CompareAndSwap(false, true) {
			c.log.Warn("transmit buffer for connection is full, one or more payloads will be discarded",
				"connection", st.conn.Name(), "capacity", buf.Capacity())
		}
	} else if st.overflowed.Load() {
		low := float64(buf.Capacity()) * overflowLowWatermark
		st.overflowed.Store(float64(size) >= low)
	}
	return buf
}

// streamFor resolves a payload's stream. Stream id 0 selects the first
// stream bound to the connection, for transports that do not tag
// single-stream payloads.
func (c *Channel) streamFor(conn Connection, id uint16) *Stream {
	if id == 0 {
		bound := c.routing.StreamsOf(conn.Name())
		if len(bound) == 0 {
			return nil
		}
		return c.streams[bound[0]]
	}
	return c.streams[id]
}

func (c *Channel) scheduleReopen() {
	if !c.isActive() {
		return
	}
	c.reopenMu.Lock()
	if c.reopenArmed {
		c.reopenMu.Unlock()
		return
	}
	c.reopenArmed = true
	delay := c.reopenBo.NextBackOff()
	c.reopenMu.Unlock()

	time.AfterFunc(delay, func() {
		c.reopenMu.Lock()
		c.reopenArmed = false
		c.reopenMu.Unlock()
		if !c.isActive() {
			return
		}
		c.exec.Post(c.openConnections)
	})
}

func (c *Channel) resetReopenBackoff() {
	c.reopenMu.Lock()
	c.reopenBo.Reset()
	c.reopenMu.Unlock()
}

func connAddr(conn Connection) string {
	type addresser interface{ Addr() string }
	if a, ok := conn.(addresser); ok {
		return a.Addr()
	}
	return ""
}
