package channel

import "sync/atomic"

// PayloadType classifies the media a stream carries. The engine stores the
// classification and its attributes for operators; it never interprets
// payload bytes.
type PayloadType int

const (
	Video PayloadType = iota
	Audio
	Ancillary
)

func (t PayloadType) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Ancillary:
		return "ancillary"
	}
	return "unknown"
}

// AudioChannelGrouping identifies the speaker layout of an audio stream.
type AudioChannelGrouping int

const (
	Mono AudioChannelGrouping = iota
	Stereo
	Surround51
)

// VideoAttributes carries video stream metadata, passed through to
// operators and downstream tooling uninterpreted.
type VideoAttributes struct {
	FrameWidth      int `json:"frameWidth"`
	FrameHeight     int `json:"frameHeight"`
	BytesPerPixel   int `json:"bytesPerPixel"`
	RateNumerator   int `json:"rateNumerator"`
	RateDenominator int `json:"rateDenominator"`
}

// AudioAttributes carries audio stream metadata.
type AudioAttributes struct {
	Grouping       AudioChannelGrouping `json:"grouping"`
	SampleRate     int                  `json:"sampleRate"`
	BytesPerSample int                  `json:"bytesPerSample"`
	Language       string               `json:"language"`
}

// StreamStats is a point-in-time snapshot of a stream's counters.
// Transmitted counts attempts: it is incremented when a transmit is issued,
// so it can momentarily exceed the number of completed transmissions, and
// with multiple outputs it accumulates across all of them.
type StreamStats struct {
	Received    int64 `json:"received"`
	Transmitted int64 `json:"transmitted"`
	Errors      int64 `json:"errors"`
}

// Stream is a logical payload flow identified by a 16-bit stream id.
// Counters are atomic: with more than one executor worker, receive and
// transmit completions for different connections update them concurrently.
type Stream struct {
	id    uint16
	ptype PayloadType

	video *VideoAttributes
	audio *AudioAttributes

	received    atomic.Int64
	transmitted atomic.Int64
	errors      atomic.Int64
}

// ID returns the stream identifier.
func (s *Stream) ID() uint16 { return s.id }

// Type returns the payload classification.
func (s *Stream) Type() PayloadType { return s.ptype }

// Video returns the video attributes, or nil for non-video streams.
func (s *Stream) Video() *VideoAttributes { return s.video }

// Audio returns the audio attributes, or nil for non-audio streams.
func (s *Stream) Audio() *AudioAttributes { return s.audio }

// PayloadReceived increments the received counter and returns the new count.
func (s *Stream) PayloadReceived() int64 { return s.received.Add(1) }

// PayloadTransmitted increments the transmit-attempt counter and returns
// the new count.
func (s *Stream) PayloadTransmitted() int64 { return s.transmitted.Add(1) }

// PayloadError increments the error counter.
func (s *Stream) PayloadError() { s.errors.Add(1) }

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Received:    s.received.Load(),
		Transmitted: s.transmitted.Load(),
		Errors:      s.errors.Load(),
	}
}
