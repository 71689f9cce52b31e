// Package protocol mirrors the server's channel and user directory from
// control messages, negotiates the voice codec, routes incoming voice to the
// audio pipeline and composes outgoing voice packets.
//
// All directory mutations happen on the control reader goroutine through
// HandleMessage. The datagram path and the public accessors only read, under
// a shared lock.
package protocol

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/packet"
)

var (
	// ErrProtocolViolation marks a server message that breaks a protocol
	// invariant. The connection must be aborted, not retried.
	ErrProtocolViolation = errors.New("protocol: invariant violation")

	ErrCannotTransmit  = errors.New("protocol: cannot transmit voice")
	ErrNotSynchronized = errors.New("protocol: not synchronized")
	ErrUnknownChannel  = errors.New("protocol: unknown channel")
	ErrFrameTooLarge   = errors.New("protocol: voice frame too large")
	errStopped         = errors.New("protocol: stopped")
)

// State of the session.
type State int

const (
	StateConnecting State = iota
	StateSynchronizing
	StateSynchronized
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	default:
		return "disconnected"
	}
}

// Codec ids match the datagram type of the voice packets they produce.
const (
	CodecNone      = -1
	CodecCELTAlpha = mumbleproto.UDPVoiceCELTAlpha
	CodecCELTBeta  = mumbleproto.UDPVoiceCELTBeta
	CodecOpus      = mumbleproto.UDPVoiceOpus
)

// Conn is the transport surface the protocol drives.
type Conn interface {
	SendMessage(m mumbleproto.Message) error
	SendVoice(pkt []byte) error
	SendPing() error
	MarkDatagramAlive(sentMS int64)
	SetCryptKeys(key, clientNonce, serverNonce []byte) error
	SetServerNonce(nonce []byte) error
	ClientNonce() []byte
}

// AudioOutput consumes resolved voice packets. The cursor is rewound to
// byte 0 of the packet. Stop must join every goroutine the output started.
type AudioOutput interface {
	AddFrame(session uint32, flags int, pkt *packet.Cursor)
	Stop()
}

// TalkFunc reports a change in a user's speaking state.
type TalkFunc func(session uint32, state model.TalkState)

// AudioFactory starts the audio output once the session is synchronized.
type AudioFactory func(talk TalkFunc) (AudioOutput, error)

// History persists text messages.
type History interface {
	Append(ctx context.Context, m model.Message) error
}

// Options configures a Protocol.
type Options struct {
	// CELTVersion is the CELT bitstream this client can decode.
	CELTVersion int32
	// Opus enables Opus when the server announces support.
	Opus bool

	PingInterval time.Duration

	Audio   AudioFactory
	History History

	Now func() time.Time
}

// DefaultOptions returns the stock keep-alive interval and codec support.
func DefaultOptions() Options {
	return Options{
		CELTVersion:  mumbleproto.CELTVersion,
		Opus:         true,
		PingInterval: 5 * time.Second,
	}
}

// Rejection is the last Reject received from the server.
type Rejection struct {
	Kind   mumbleproto.RejectType
	Reason string
}

// ServerInfo collects what ServerSync and ServerConfig announced.
type ServerInfo struct {
	MaxBandwidth  uint32
	WelcomeText   string
	Permissions   uint64
	AllowHTML     bool
	MessageLength uint32
	MaxUsers      uint32
}

// Protocol is the per-connection session state machine. It implements the
// transport's Handler.
type Protocol struct {
	conn Conn
	opts Options
	log  zerolog.Logger

	// obsMu is held for the duration of each notification so Stop can
	// guarantee none is in flight once it returns.
	obsMu sync.RWMutex
	obs   Observer

	mu       sync.RWMutex
	state    State
	channels map[uint32]*model.Channel
	users    map[uint32]*model.User
	session  uint32
	synced   bool
	codec    int
	canSpeak bool
	info     ServerInfo
	reject   *Rejection
	messages []model.Message
	audio    AudioOutput

	sendMu   sync.Mutex
	voiceSeq uint64

	pingStop chan struct{}
	pingDone chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a Protocol in the Connecting state.
func New(conn Conn, obs Observer, opts Options) *Protocol {
	def := DefaultOptions()
	if opts.CELTVersion == 0 {
		opts.CELTVersion = def.CELTVersion
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Protocol{
		conn:     conn,
		opts:     opts,
		log:      log.With().Str("component", "protocol").Logger(),
		obs:      obs,
		state:    StateConnecting,
		channels: make(map[uint32]*model.Channel),
		users:    make(map[uint32]*model.User),
		codec:    CodecNone,
	}
}

func (p *Protocol) notify(fn func(o Observer)) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	fn(p.obs)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Stop disables notifications, stops the audio output and keep-alive, then
// clears the directory. It is idempotent and safe from any goroutine except
// an Observer callback.
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)

		p.obsMu.Lock()
		p.obs = NopObserver{}
		p.obsMu.Unlock()

		p.mu.Lock()
		audio := p.audio
		p.audio = nil
		pingStop, pingDone := p.pingStop, p.pingDone
		p.mu.Unlock()

		if audio != nil {
			audio.Stop()
		}
		if pingStop != nil {
			close(pingStop)
			<-pingDone
		}

		p.mu.Lock()
		p.state = StateDisconnected
		clear(p.channels)
		clear(p.users)
		p.messages = nil
		p.canSpeak = false
		p.mu.Unlock()
		p.log.Debug().Msg("stopped")
	})
}

// keepAlive pings the server until Stop.
func (p *Protocol) keepAlive(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(p.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := p.conn.SendPing(); err != nil {
				p.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (p *Protocol) setTalkState(session uint32, state model.TalkState) {
	if p.stopped.Load() {
		return
	}
	p.mu.Lock()
	u, ok := p.users[session]
	if !ok || u.Talking == state {
		p.mu.Unlock()
		return
	}
	u.Talking = state
	snap := *u
	p.mu.Unlock()

	p.notify(func(o Observer) { o.UserUpdated(snap) })
}

// --- accessors ---

// State returns the session state.
func (p *Protocol) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Channels returns every channel ordered by id.
func (p *Protocol) Channels() []model.Channel {
	p.mu.RLock()
	out := make([]model.Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, *ch)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Channel) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Users returns every user ordered by session.
func (p *Protocol) Users() []model.User {
	p.mu.RLock()
	out := make([]model.User, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, *u)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.User) int { return cmp.Compare(a.Session, b.Session) })
	return out
}

// Channel looks up a channel by id.
func (p *Protocol) Channel(id uint32) (model.Channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.channels[id]
	if !ok {
		return model.Channel{}, false
	}
	return *ch, true
}

// User looks up a user by session.
func (p *Protocol) User(session uint32) (model.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[session]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// CurrentUser returns the local user once synchronized.
func (p *Protocol) CurrentUser() (model.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.synced {
		return model.User{}, false
	}
	u, ok := p.users[p.session]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// CurrentChannel returns the local user's channel once synchronized.
func (p *Protocol) CurrentChannel() (model.Channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.synced {
		return model.Channel{}, false
	}
	u, ok := p.users[p.session]
	if !ok {
		return model.Channel{}, false
	}
	ch, ok := p.channels[u.ChannelID]
	if !ok {
		return model.Channel{}, false
	}
	return *ch, true
}

// Messages returns the text messages of this session, oldest first.
func (p *Protocol) Messages() []model.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Message, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Clone()
	}
	return out
}

// Codec returns the negotiated codec id, CodecNone before negotiation.
func (p *Protocol) Codec() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.codec
}

// CanTransmit reports whether voice may be sent: a codec is negotiated and
// the server has not muted or suppressed the local user.
func (p *Protocol) CanTransmit() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.canSpeak
}

// Session returns the local session id once synchronized.
func (p *Protocol) Session() (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session, p.synced
}

// ServerInfo returns what the server announced about itself.
func (p *Protocol) ServerInfo() ServerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// LastRejection returns the server's Reject, if one arrived.
func (p *Protocol) LastRejection() (Rejection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.reject == nil {
		return Rejection{}, false
	}
	return *p.reject, true
}
