// Package media defines the payload handle that flows through the Conduit
// routing engine, from transport reception through fan-out to transmission.
package media

import "sync/atomic"

// Payload is a shared-ownership handle to one framed unit of media bytes.
// The engine never inspects the bytes; it routes on the stream identifier
// alone. A payload may sit in several output buffers at once: Clone is a
// reference count increment, and the byte region is returned to its pool
// when the last holder calls Release.
type Payload struct {
	streamID uint16
	sequence uint32
	data     []byte
	pool     *Pool
	refs     atomic.Int32
}

// NewPayload wraps data in a payload handle with a single reference.
// The data slice is owned by the payload until the last Release.
func NewPayload(streamID uint16, sequence uint32, data []byte) *Payload {
	p := &Payload{
		streamID: streamID,
		sequence: sequence,
		data:     data,
	}
	p.refs.Store(1)
	return p
}

// newPooledPayload is used by Pool.Lease; the byte region returns to pool
// when the reference count reaches zero.
func newPooledPayload(streamID uint16, sequence uint32, data []byte, pool *Pool) *Payload {
	p := NewPayload(streamID, sequence, data)
	p.pool = pool
	return p
}

// StreamID returns the 16-bit stream identifier the payload is tagged with.
func (p *Payload) StreamID() uint16 { return p.streamID }

// Sequence returns the origin-assigned monotonic sequence number.
func (p *Payload) Sequence() uint32 { return p.sequence }

// Size returns the payload length in bytes.
func (p *Payload) Size() int { return len(p.data) }

// Bytes returns the payload byte region. Holders must not retain the slice
// past Release.
func (p *Payload) Bytes() []byte { return p.data }

// Clone adds a reference and returns the same handle. Cheap: the byte
// region is shared, never copied.
func (p *Payload) Clone() *Payload {
	p.refs.Add(1)
	return p
}

// Release drops one reference. When the count reaches zero the byte region
// is returned to its pool, if any. Release past zero is a no-op.
func (p *Payload) Release() {
	if n := p.refs.Add(-1); n == 0 && p.pool != nil {
		p.pool.put(p.data)
		p.data = nil
	}
}
