// Package client is the long-lived service around one server: it dials a
// transport connection and a protocol session per attempt, reconnects with
// backoff when the connection drops, and fans out every notification to the
// registered observers from a single goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/protocol"
	"mumbleclient/internal/transport"
)

var (
	// ErrAborted ends the session after the server broke the protocol.
	// The client does not reconnect.
	ErrAborted = errors.New("client: connection aborted")
	// ErrRejected ends the session after the server refused the login.
	ErrRejected = errors.New("client: connection rejected")

	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
)

// State is the service-level connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSynchronizing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynchronizing:
		return "synchronizing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Link is one server connection. *transport.Connection implements it.
type Link interface {
	protocol.Conn
	Connect(ctx context.Context) error
	Disconnect()
	SetOnDisconnected(fn func(err error))
	Stats() transport.Stats
}

// Dialer creates an unconnected Link reporting to h.
type Dialer func(cfg transport.Config, h transport.Handler) Link

func dialTransport(cfg transport.Config, h transport.Handler) Link {
	return transport.New(cfg, h)
}

// Settings persists small values across runs. *store.Store implements it.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Options configures a Client.
type Options struct {
	Transport transport.Config
	Protocol  protocol.Options

	// Reconnect re-dials after a dropped connection, waiting Backoff
	// between attempts.
	Reconnect bool
	Backoff   transport.BackoffConfig

	// InitialChannel is a channel path below the root to join after the
	// first synchronization.
	InitialChannel []string
	// Settings, when set, remembers the last channel per server.
	Settings Settings

	Dial Dialer
}

// DefaultOptions returns reconnecting options for addr.
func DefaultOptions(addr, username string) Options {
	cfg := transport.DefaultConfig()
	cfg.Addr = addr
	cfg.Username = username
	opts := Options{
		Transport: cfg,
		Protocol:  protocol.DefaultOptions(),
		Reconnect: true,
		Backoff: transport.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
	opts.SetPingInterval(opts.Protocol.PingInterval)
	return opts
}

// SetPingInterval changes the keep-alive period and moves the UDP liveness
// threshold with it, so a healthy datagram path never looks stale between
// two pings.
func (o *Options) SetPingInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	o.Protocol.PingInterval = d
	o.Transport.PingThreshold = d + transport.PingReplyWindow
}

// Client owns the connection lifecycle for one server.
type Client struct {
	opts   Options
	log    zerolog.Logger
	rng    *rand.Rand
	events *dispatcher

	obsMu     sync.RWMutex
	observers []registration
	nextObsID int

	mu          sync.Mutex
	state       State
	cur         *session
	cancel      context.CancelFunc
	done        chan struct{}
	lastChannel *uint32 // touched only on the dispatcher goroutine
}

type registration struct {
	id  int
	obs Observer
}

// New creates a disconnected Client.
func New(opts Options) *Client {
	if opts.Dial == nil {
		opts.Dial = dialTransport
	}
	return &Client{
		opts:   opts,
		log:    log.With().Str("component", "client").Str("addr", opts.Transport.Addr).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		events: newDispatcher(),
	}
}

// Register adds o and returns a function removing it. Observers are called
// one at a time, in registration order, on the client's event goroutine.
func (c *Client) Register(o Observer) (unregister func()) {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, registration{id: id, obs: o})
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, r := range c.observers {
			if r.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// emit queues fn for every registered observer.
func (c *Client) emit(fn func(o Observer)) {
	c.events.post(func() {
		c.obsMu.RLock()
		obs := make([]Observer, 0, len(c.observers))
		for _, r := range c.observers {
			obs = append(obs, r.obs)
		}
		c.obsMu.RUnlock()
		for _, o := range obs {
			fn(o)
		}
	})
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed && err == nil {
		return
	}
	c.log.Debug().Stringer("state", s).AnErr("cause", err).Msg("state changed")
	c.emit(func(o Observer) { o.StateChanged(s, err) })
}

// advanceState moves from one state to the next only if no other
// transition happened in between.
func (c *Client) advanceState(from, to State) {
	c.mu.Lock()
	ok := c.state == from
	if ok {
		c.state = to
	}
	c.mu.Unlock()
	if ok {
		c.emit(func(o Observer) { o.StateChanged(to, nil) })
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop. It returns at once; progress is
// reported through StateChanged. ctx bounds the whole loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect ends the connection loop and waits for teardown. It is
// idempotent and safe from observer callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current connection loop has ended, whether by
// Disconnect, an abort, a rejection, or a drop without Reconnect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close disconnects and stops event delivery after draining queued events.
func (c *Client) Close() {
	c.Disconnect()
	c.events.close()
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done && c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	attempt := 0
	for {
		attempt++
		c.setState(StateConnecting, nil)

		waitIdentity := !c.identityAvailable()
		res := c.runSession(ctx)

		switch {
		case ctx.Err() != nil:
			c.setState(StateDisconnected, nil)
			return

		case errors.Is(res.err, protocol.ErrProtocolViolation):
			err := fmt.Errorf("%w: %w", ErrAborted, res.err)
			c.log.Error().Err(res.err).Msg("aborting connection")
			c.setState(StateDisconnected, err)
			return

		case res.reject != nil:
			if res.reject.Kind == mumbleproto.RejectNoCertificate && waitIdentity {
				c.setState(StateDisconnected, fmt.Errorf("%w: %s", ErrRejected, res.reject.Reason))
				if !c.waitIdentity(ctx) {
					return
				}
				attempt = 0
				continue
			}
			c.setState(StateDisconnected, fmt.Errorf("%w: %s: %s", ErrRejected, res.reject.Kind, res.reject.Reason))
			return
		}

		if res.synced {
			attempt = 1
		}
		if res.err != nil {
			text := res.err.Error()
			c.emit(func(o Observer) { o.ConnectionError(text) })
		}
		c.setState(StateDisconnected, res.err)
		if !c.opts.Reconnect {
			return
		}
		if err := c.waitBackoff(ctx, attempt); err != nil {
			c.setState(StateDisconnected, nil)
			return
		}
	}
}

// waitBackoff sleeps for the delay of attempt or until ctx ends.
func (c *Client) waitBackoff(ctx context.Context, attempt int) error {
	delay := transport.NextBackoffDelay(c.opts.Backoff, attempt, c.rng)
	c.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type readier interface {
	Ready() <-chan struct{}
}

func (c *Client) identityAvailable() bool {
	src := c.opts.Transport.Identity
	if src == nil {
		return true
	}
	_, ok := src.Certificate()
	return ok
}

// waitIdentity blocks until a pending certificate is generated.
func (c *Client) waitIdentity(ctx context.Context) bool {
	r, ok := c.opts.Transport.Identity.(readier)
	if !ok {
		return false
	}
	c.log.Info().Msg("server requires a certificate, waiting for identity")
	select {
	case <-r.Ready():
		return true
	case <-ctx.Done():
		return false
	}
}

type sessionResult struct {
	err    error
	reject *protocol.Rejection
	synced bool
}

// runSession dials one connection and blocks until it ends. Teardown stops
// the protocol before the transport so no notification outlives the link.
func (c *Client) runSession(ctx context.Context) sessionResult {
	s := newSession(c)
	link := c.opts.Dial(c.opts.Transport, s)
	s.p = protocol.New(link, s, c.opts.Protocol)
	s.link = link
	link.SetOnDisconnected(s.end)

	// Installed before Connect: the server may synchronize before Connect
	// returns.
	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()

	if err := link.Connect(ctx); err != nil {
		c.mu.Lock()
		c.cur = nil
		c.mu.Unlock()
		s.p.Stop()
		c.log.Warn().Err(err).Msg("connect failed")
		return sessionResult{err: err}
	}
	c.advanceState(StateConnecting, StateSynchronizing)

	var err error
	select {
	case err = <-s.ended:
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()

	res := sessionResult{err: err, synced: s.synced.Load()}
	if r, ok := s.p.LastRejection(); ok {
		res.reject = &r
	}
	s.p.Stop()
	link.Disconnect()
	return res
}

// current returns the live session or ErrNotConnected.
func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, ErrNotConnected
	}
	return c.cur, nil
}

func (c *Client) settingKey() string {
	return "last_channel:" + c.opts.Transport.Addr
}

// rememberChannel runs on the dispatcher goroutine.
func (c *Client) rememberChannel(id uint32) {
	c.lastChannel = &id
	if c.opts.Settings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.Settings.SetSetting(ctx, c.settingKey(), strconv.FormatUint(uint64(id), 10)); err != nil {
		c.log.Warn().Err(err).Msg("saving last channel failed")
	}
}

// rejoinTarget picks the channel to join after synchronizing: the channel
// this process was last in, else InitialChannel, else the persisted one.
// Runs on the dispatcher goroutine.
func (c *Client) rejoinTarget(p *protocol.Protocol) (uint32, bool) {
	if c.lastChannel != nil {
		return *c.lastChannel, true
	}
	if len(c.opts.InitialChannel) > 0 {
		if id, ok := ChannelByPath(p.Channels(), c.opts.InitialChannel); ok {
			return id, true
		}
		c.log.Warn().Strs("path", c.opts.InitialChannel).Msg("initial channel not found")
	}
	if c.opts.Settings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, ok, err := c.opts.Settings.GetSetting(ctx, c.settingKey())
		if err != nil {
			c.log.Warn().Err(err).Msg("loading last channel failed")
		}
		if ok {
			if id, err := strconv.ParseUint(v, 10, 32); err == nil {
				return uint32(id), true
			}
		}
	}
	return 0, false
}

// ChannelByPath resolves a path of channel names below the root.
func ChannelByPath(channels []model.Channel, path []string) (uint32, bool) {
	var cur uint32 // root
	for _, name := range path {
		found := false
		for _, ch := range channels {
			if ch.HasParent && ch.Parent == cur && ch.Name == name {
				cur, found = ch.ID, true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return cur, true
}
