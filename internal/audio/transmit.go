package audio

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mumbleclient/internal/vad"
)

// Sender transmits encoded voice frames. Both the protocol and the client
// facade satisfy it.
type Sender interface {
	SendVoiceFrame(frame []byte, terminator bool) error
}

// Mode selects when captured audio is transmitted.
type Mode int

const (
	Continuous Mode = iota
	VoiceActivity
	PushToTalk
)

func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case VoiceActivity:
		return "vad"
	case PushToTalk:
		return "ptt"
	}
	return "unknown"
}

var ErrUnknownMode = errors.New("audio: unknown transmit mode")

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "continuous", "":
		return Continuous, nil
	case "vad":
		return VoiceActivity, nil
	case "ptt":
		return PushToTalk, nil
	}
	return 0, ErrUnknownMode
}

// Transmitter gates captured frames into a Sender. Capture hands it each
// frame both as PCM, which drives voice detection, and encoded for the
// wire. When the gate closes the frame that closed it is sent as the
// terminator of the transmission.
type Transmitter struct {
	sender Sender
	log    zerolog.Logger

	mu      sync.Mutex
	mode    Mode
	vad     *vad.Detector
	pressed bool
	sending bool
}

// NewTransmitter returns a Transmitter in the given mode.
func NewTransmitter(s Sender, mode Mode) *Transmitter {
	return &Transmitter{
		sender: s,
		mode:   mode,
		vad:    vad.New(),
		log:    log.With().Str("component", "transmit").Logger(),
	}
}

// SetMode switches the gating mode. An open transmission is finished by
// the next submitted frame if the new mode closes the gate.
func (t *Transmitter) SetMode(m Mode) {
	t.mu.Lock()
	t.mode = m
	t.vad.Reset()
	t.mu.Unlock()
}

func (t *Transmitter) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// SetThresholds configures voice detection, see vad.Detector.SetThresholds.
func (t *Transmitter) SetThresholds(low, high int) {
	t.mu.Lock()
	t.vad.SetThresholds(low, high)
	t.mu.Unlock()
}

// SetPressed records the push-to-talk key state.
func (t *Transmitter) SetPressed(pressed bool) {
	t.mu.Lock()
	t.pressed = pressed
	t.mu.Unlock()
}

// Transmitting reports whether a transmission is open.
func (t *Transmitter) Transmitting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sending
}

// Submit gates one captured frame. Frames outside a transmission are
// dropped silently.
func (t *Transmitter) Submit(pcm []int16, encoded []byte) error {
	t.mu.Lock()
	open := t.gate(pcm)
	wasSending := t.sending
	t.sending = open
	t.mu.Unlock()

	switch {
	case open:
		if !wasSending {
			t.log.Debug().Stringer("mode", t.Mode()).Msg("transmission started")
		}
		return t.sender.SendVoiceFrame(encoded, false)
	case wasSending:
		t.log.Debug().Msg("transmission ended")
		return t.sender.SendVoiceFrame(encoded, true)
	default:
		return nil
	}
}

// Flush ends an open transmission with an empty terminator frame, for
// when capture stops.
func (t *Transmitter) Flush() error {
	t.mu.Lock()
	wasSending := t.sending
	t.sending = false
	t.vad.Reset()
	t.mu.Unlock()
	if !wasSending {
		return nil
	}
	return t.sender.SendVoiceFrame(nil, true)
}

func (t *Transmitter) gate(pcm []int16) bool {
	switch t.mode {
	case VoiceActivity:
		return t.vad.Update(vad.RMS(pcm))
	case PushToTalk:
		return t.pressed
	default:
		return true
	}
}
