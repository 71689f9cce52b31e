// Package audio is the playback side of the voice pipeline. Output parses
// incoming voice packets, reorders them per session in a jitter buffer and
// hands one frame per speaking session to a Player every tick. Decoding and
// device output belong to the Player.
package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mumbleclient/internal/adapt"
	"mumbleclient/internal/jitter"
	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/packet"
	"mumbleclient/internal/protocol"
)

const (
	// FrameDuration is the playback cadence: one 10 ms codec frame.
	FrameDuration = 10 * time.Millisecond

	defaultDepth = adapt.DefaultDepth

	// adaptInterval is the number of played frames between depth
	// re-evaluations when adaptive depth is on.
	adaptInterval = 500

	opusSizeMask   = 0x1fff
	opusTerminator = 0x2000
	celtSizeMask   = 0x7f
	celtContinue   = 0x80
)

var ErrUnsupportedCodec = errors.New("audio: unsupported codec")

// Player decodes and plays frames. A nil frame asks for concealment of a
// lost frame; next, when set, is the following frame for codecs that can
// recover from it.
type Player interface {
	PlayFrame(session uint32, codec int, frame, next []byte)
}

// Discard is a Player that drops everything.
type Discard struct{}

func (Discard) PlayFrame(uint32, int, []byte, []byte) {}

// Option configures an Output.
type Option func(*Output)

// WithDepth sets the jitter buffer depth in frames.
func WithDepth(frames int) Option {
	return func(o *Output) { o.buf.SetDepth(frames) }
}

// WithAdaptiveDepth lets the output move the jitter depth along
// adapt.Ladder according to the share of frames it had to conceal.
func WithAdaptiveDepth() Option {
	return func(o *Output) { o.adaptive = true }
}

// WithTick overrides the playback cadence.
func WithTick(d time.Duration) Option {
	return func(o *Output) { o.tick = d }
}

// Output implements protocol.AudioOutput.
type Output struct {
	player Player
	talk   protocol.TalkFunc
	tick   time.Duration
	log    zerolog.Logger

	mu  sync.Mutex
	buf *jitter.Buffer

	talking map[uint32]bool // touched only by run

	adaptive          bool
	played, concealed int // touched only by run

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Factory returns a protocol.AudioFactory that starts an Output per session.
func Factory(p Player, opts ...Option) protocol.AudioFactory {
	return func(talk protocol.TalkFunc) (protocol.AudioOutput, error) {
		return Start(p, talk, opts...), nil
	}
}

// Start creates an Output and launches its playback goroutine. talk may be
// nil.
func Start(p Player, talk protocol.TalkFunc, opts ...Option) *Output {
	if p == nil {
		p = Discard{}
	}
	o := &Output{
		player:  p,
		talk:    talk,
		tick:    FrameDuration,
		log:     log.With().Str("component", "audio").Logger(),
		buf:     jitter.New(defaultDepth),
		talking: make(map[uint32]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.run()
	return o
}

// AddFrame parses one voice packet positioned at byte 0 and buffers its
// frames. Malformed packets are dropped.
func (o *Output) AddFrame(session uint32, flags int, c *packet.Cursor) {
	frames, seq, codec, err := parseVoice(c)
	if err != nil {
		o.log.Debug().Err(err).Uint32("session", session).Int("flags", flags).Msg("dropping voice packet")
		return
	}

	o.mu.Lock()
	for i, f := range frames {
		o.buf.Push(session, seq+uint64(i), codec, f.data, f.last)
	}
	o.mu.Unlock()
}

type voiceFrame struct {
	data []byte
	last bool
}

// parseVoice reads [type|target][varint session][varint seq][frames...].
func parseVoice(c *packet.Cursor) ([]voiceFrame, uint64, int, error) {
	hdr, err := c.ReadByte()
	if err != nil {
		return nil, 0, 0, err
	}
	codec := mumbleproto.DatagramType(hdr)
	if _, err := c.ReadVarUint(); err != nil { // session
		return nil, 0, 0, err
	}
	seq, err := c.ReadVarUint()
	if err != nil {
		return nil, 0, 0, err
	}

	switch codec {
	case mumbleproto.UDPVoiceOpus:
		size, err := c.ReadVarUint()
		if err != nil {
			return nil, 0, 0, err
		}
		data, err := c.ReadBytes(int(size & opusSizeMask))
		if err != nil {
			return nil, 0, 0, err
		}
		return []voiceFrame{{data: clone(data), last: size&opusTerminator != 0}}, seq, codec, nil

	case mumbleproto.UDPVoiceCELTAlpha, mumbleproto.UDPVoiceCELTBeta:
		var frames []voiceFrame
		for {
			h, err := c.ReadByte()
			if err != nil {
				return nil, 0, 0, err
			}
			size := int(h & celtSizeMask)
			if size == 0 {
				// An empty frame terminates the transmission.
				if n := len(frames); n > 0 {
					frames[n-1].last = true
				}
				break
			}
			data, err := c.ReadBytes(size)
			if err != nil {
				return nil, 0, 0, err
			}
			frames = append(frames, voiceFrame{data: clone(data)})
			if h&celtContinue == 0 {
				break
			}
		}
		return frames, seq, codec, nil

	default:
		return nil, 0, 0, ErrUnsupportedCodec
	}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

func (o *Output) run() {
	defer close(o.done)
	t := time.NewTicker(o.tick)
	defer t.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-t.C:
			o.playTick()
		}
	}
}

func (o *Output) playTick() {
	o.mu.Lock()
	frames := o.buf.Pop()
	o.mu.Unlock()

	active := make(map[uint32]bool, len(frames))
	for _, f := range frames {
		o.player.PlayFrame(f.Session, f.Codec, f.Data, f.Next)
		if !f.Last {
			active[f.Session] = true
		}
		o.played++
		if f.Data == nil {
			o.concealed++
		}
	}
	if o.adaptive && o.played >= adaptInterval {
		o.adjustDepth()
	}

	for s := range active {
		if !o.talking[s] {
			o.talking[s] = true
			o.setTalk(s, model.TalkTalking)
		}
	}
	for s := range o.talking {
		if !active[s] {
			delete(o.talking, s)
			o.setTalk(s, model.TalkPassive)
		}
	}
}

func (o *Output) adjustDepth() {
	o.mu.Lock()
	cur := o.buf.Depth()
	next := adapt.NextDepth(cur, o.played, o.concealed)
	o.buf.SetDepth(next)
	o.mu.Unlock()

	if next != cur {
		o.log.Debug().Int("from", cur).Int("to", next).
			Int("played", o.played).Int("concealed", o.concealed).
			Msg("jitter depth adjusted")
	}
	o.played, o.concealed = 0, 0
}

// Depth returns the current jitter buffer depth in frames.
func (o *Output) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Depth()
}

func (o *Output) setTalk(session uint32, state model.TalkState) {
	if o.talk != nil {
		o.talk(session, state)
	}
}

// Stop ends playback and joins the playback goroutine. It is idempotent.
func (o *Output) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		<-o.done
		o.mu.Lock()
		o.buf.Reset()
		o.mu.Unlock()
	})
}
