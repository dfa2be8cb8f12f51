package media

import "sync"

// Size classes for pooled payload storage. Ancillary and audio payloads fit
// the small class; video frames lease from the large class.
const (
	SmallBufferSize = 16 * 1024
	LargeBufferSize = 8 * 1024 * 1024
)

// Pool leases byte regions for payloads in two size classes backed by
// sync.Pool. Regions are recycled when the leasing payload's reference
// count reaches zero, so steady-state routing does not allocate per frame.
type Pool struct {
	small sync.Pool
	large sync.Pool
}

// NewPool creates a payload buffer pool.
func NewPool() *Pool {
	return &Pool{
		small: sync.Pool{New: func() any { return make([]byte, SmallBufferSize) }},
		large: sync.Pool{New: func() any { return make([]byte, LargeBufferSize) }},
	}
}

// Lease copies data into a pooled region and returns a payload handle with
// a single reference. Oversize payloads fall back to a plain allocation
// that is garbage collected instead of recycled.
func (pl *Pool) Lease(streamID uint16, sequence uint32, data []byte) *Payload {
	if len(data) > LargeBufferSize {
		buf := make([]byte, len(data))
		copy(buf, data)
		return NewPayload(streamID, sequence, buf)
	}

	var buf []byte
	if len(data) > SmallBufferSize {
		buf = pl.large.Get().([]byte)
	} else {
		buf = pl.small.Get().([]byte)
	}
	copy(buf, data)
	return newPooledPayload(streamID, sequence, buf[:len(data)], pl)
}

// LeaseSized returns a payload backed by an uninitialized pooled region of
// the given size, for callers that fill the bytes in place (e.g. framed
// reads). Oversize payloads fall back to a plain allocation.
func (pl *Pool) LeaseSized(streamID uint16, sequence uint32, size int) *Payload {
	if size > LargeBufferSize {
		return NewPayload(streamID, sequence, make([]byte, size))
	}

	var buf []byte
	if size > SmallBufferSize {
		buf = pl.large.Get().([]byte)
	} else {
		buf = pl.small.Get().([]byte)
	}
	return newPooledPayload(streamID, sequence, buf[:size], pl)
}

func (pl *Pool) put(data []byte) {
	buf := data[:cap(data)]
	switch cap(data) {
	case SmallBufferSize:
		pl.small.Put(buf)
	case LargeBufferSize:
		pl.large.Put(buf)
	}
}
