// Package wire implements the length-prefixed payload framing shared by the
// stream-oriented transports. Each frame carries exactly one payload:
//
//	length(4) | streamID(2) | sequence(4) | bytes
//
// with big-endian fields. The length covers streamID, sequence, and bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/conduit/media"
)

// HeaderSize is the fixed per-frame overhead after the length prefix:
// streamID(2) + sequence(4).
const HeaderSize = 6

// MaxFrameSize bounds a single framed payload. Frames above it are
// rejected as corrupt rather than allocated.
const MaxFrameSize = 64 * 1024 * 1024

// Encode serializes a payload into a single framed buffer.
func Encode(p *media.Payload) []byte {
	buf := make([]byte, 4+HeaderSize+p.Size())
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+p.Size()))
	binary.BigEndian.PutUint16(buf[4:6], p.StreamID())
	binary.BigEndian.PutUint32(buf[6:10], p.Sequence())
	copy(buf[10:], p.Bytes())
	return buf
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, p *media.Payload) error {
	_, err := w.Write(Encode(p))
	return err
}

// ReadFrame reads one whole framed payload from r, leasing its byte region
// from pool. Pool may be nil, in which case the region is heap allocated.
func ReadFrame(r io.Reader, pool *media.Pool) (*media.Payload, error) {
	var hdr [4 + HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if length < HeaderSize || length > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame length %d", length)
	}

	streamID := binary.BigEndian.Uint16(hdr[4:6])
	sequence := binary.BigEndian.Uint32(hdr[6:10])

	var p *media.Payload
	if pool != nil {
		p = pool.LeaseSized(streamID, sequence, int(length-HeaderSize))
	} else {
		p = media.NewPayload(streamID, sequence, make([]byte, length-HeaderSize))
	}
	if _, err := io.ReadFull(r, p.Bytes()); err != nil {
		p.Release()
		return nil, fmt.Errorf("wire: short frame body: %w", err)
	}
	return p, nil
}

// Decode parses a complete framed payload from a single message buffer, as
// delivered by message-oriented transports.
func Decode(msg []byte, pool *media.Pool) (*media.Payload, error) {
	if len(msg) < 4+HeaderSize {
		return nil, fmt.Errorf("wire: frame too short: %d bytes", len(msg))
	}

	length := binary.BigEndian.Uint32(msg[0:4])
	if length < HeaderSize || length > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame length %d", length)
	}
	if int(length) != len(msg)-4 {
		return nil, fmt.Errorf("wire: frame length %d does not match message size %d", length, len(msg)-4)
	}

	streamID := binary.BigEndian.Uint16(msg[4:6])
	sequence := binary.BigEndian.Uint32(msg[6:10])

	if pool != nil {
		return pool.Lease(streamID, sequence, msg[10:]), nil
	}
	data := make([]byte, len(msg)-10)
	copy(data, msg[10:])
	return media.NewPayload(streamID, sequence, data), nil
}
