// Package jitter implements a per-session jitter buffer for voice frames.
//
// It reorders out-of-order frames using the voice packet sequence number,
// buffers a configurable number of frames before starting playback, and
// signals missing frames so the caller can run packet loss concealment.
package jitter

import "time"

const (
	ringSize = 16 // must be power of 2
	ringMask = ringSize - 1

	// staleTimeout is how long a session must be silent before its stream
	// is pruned from the buffer.
	staleTimeout = 500 * time.Millisecond
)

// Frame is a single voice frame output from the jitter buffer.
type Frame struct {
	Session uint32
	Codec   int
	Data    []byte // nil signals a missing frame (caller should conceal)

	// Next holds the following frame's data when Data is nil and that frame
	// has already arrived, for codecs that carry forward error correction.
	Next []byte

	// Last marks the final frame of a transmission.
	Last bool
}

// slot holds one frame in the ring buffer.
type slot struct {
	data  []byte
	codec int
	last  bool
	seq   uint64
	set   bool
}

// stream tracks per-session jitter buffer state.
type stream struct {
	ring     [ringSize]slot
	nextPlay uint64    // next sequence number to consume
	primed   bool      // true once we've buffered enough frames to start
	count    int       // frames received during priming
	lastRecv time.Time // time of last Push
}

// Buffer is a per-session jitter buffer. Not safe for concurrent use;
// the audio output serialises access.
type Buffer struct {
	streams map[uint32]*stream
	depth   int // frames to buffer before starting playback
}

// New creates a jitter buffer with the given depth in frames.
// A depth of 3 adds ~30 ms latency at 10 ms frames and tolerates reordering
// within that window.
func New(depth int) *Buffer {
	return &Buffer{
		streams: make(map[uint32]*stream),
		depth:   clampDepth(depth),
	}
}

func clampDepth(depth int) int {
	if depth < 1 {
		return 1
	}
	if depth > ringSize/2 {
		return ringSize / 2
	}
	return depth
}

// SetDepth changes the priming depth for streams that start after the call.
func (b *Buffer) SetDepth(depth int) { b.depth = clampDepth(depth) }

// Depth returns the priming depth.
func (b *Buffer) Depth() int { return b.depth }

// Push inserts a received frame into the session's ring buffer.
func (b *Buffer) Push(session uint32, seq uint64, codec int, data []byte, last bool) {
	s, ok := b.streams[session]
	if !ok {
		s = &stream{nextPlay: seq}
		b.streams[session] = s
	}
	s.lastRecv = time.Now()

	idx := int(seq & ringMask)
	sl := slot{data: data, codec: codec, last: last, seq: seq, set: true}

	if !s.primed {
		// During priming, accumulate frames without consuming.
		if int64(seq-s.nextPlay) < 0 {
			s.nextPlay = seq
		}
		s.ring[idx] = sl
		s.count++
		if s.count >= b.depth || last {
			s.primed = true
		}
		return
	}

	// Signed distance from nextPlay: positive = ahead, negative = behind.
	dist := int64(seq - s.nextPlay)

	if dist < 0 {
		// Late arrival, already played past this seq.
		return
	}
	if dist >= ringSize {
		// Way ahead of expectation: a new transmission or a long gap.
		// Reset the stream and start priming again.
		*s = stream{
			nextPlay: seq,
			lastRecv: time.Now(),
			count:    1,
		}
		s.ring[idx] = sl
		if s.count >= b.depth || last {
			s.primed = true
		}
		return
	}

	s.ring[idx] = sl
}

// Pop returns one frame per active session for the current playback tick.
// Sessions that have gone silent for more than staleTimeout are pruned, as
// are streams whose terminating frame has been played.
func (b *Buffer) Pop() []Frame {
	now := time.Now()
	var frames []Frame
	var done []uint32

	for id, s := range b.streams {
		if now.Sub(s.lastRecv) > staleTimeout {
			done = append(done, id)
			continue
		}
		if !s.primed {
			continue
		}

		idx := int(s.nextPlay & ringMask)
		if s.ring[idx].set && s.ring[idx].seq == s.nextPlay {
			sl := s.ring[idx]
			frames = append(frames, Frame{Session: id, Codec: sl.codec, Data: sl.data, Last: sl.last})
			s.ring[idx] = slot{}
			if sl.last {
				done = append(done, id)
			}
		} else {
			// Missing frame: signal concealment, offering the next frame's
			// data when it is already here.
			s.ring[idx] = slot{}
			f := Frame{Session: id}
			nidx := int((s.nextPlay + 1) & ringMask)
			if next := s.ring[nidx]; next.set && next.seq == s.nextPlay+1 {
				f.Codec = next.codec
				f.Next = next.data
			}
			frames = append(frames, f)
		}
		s.nextPlay++
	}

	for _, id := range done {
		delete(b.streams, id)
	}

	return frames
}

// Reset clears all buffered state (e.g. on disconnect).
func (b *Buffer) Reset() {
	b.streams = make(map[uint32]*stream)
}

// ActiveSenders returns the number of sessions with primed streams.
func (b *Buffer) ActiveSenders() int {
	n := 0
	for _, s := range b.streams {
		if s.primed {
			n++
		}
	}
	return n
}

// Has reports whether session has a live stream.
func (b *Buffer) Has(session uint32) bool {
	_, ok := b.streams[session]
	return ok
}
