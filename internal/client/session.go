package client

import (
	"sync/atomic"

	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/protocol"
)

// session binds one Link to one Protocol. It is the link's Handler and the
// protocol's Observer; every notification is re-posted to the client's
// dispatcher so observers never run on a reader goroutine.
type session struct {
	c    *Client
	p    *protocol.Protocol
	link Link

	ended  chan error
	synced atomic.Bool
}

func newSession(c *Client) *session {
	return &session{c: c, ended: make(chan error, 1)}
}

// end records why the link went down. Only the first cause is kept.
func (s *session) end(err error) {
	select {
	case s.ended <- err:
	default:
	}
}

// --- transport.Handler ---

func (s *session) HandleMessage(m mumbleproto.Message) error { return s.p.HandleMessage(m) }

func (s *session) HandleDatagram(pkt []byte, tunneled bool) { s.p.HandleDatagram(pkt, tunneled) }

func (s *session) CryptResyncNeeded() { s.p.CryptResyncNeeded() }

// --- protocol.Observer ---

func (s *session) ChannelAdded(ch model.Channel) {
	s.c.emit(func(o Observer) { o.ChannelAdded(ch) })
}

func (s *session) ChannelUpdated(ch model.Channel) {
	s.c.emit(func(o Observer) { o.ChannelUpdated(ch) })
}

func (s *session) ChannelRemoved(id uint32) {
	s.c.emit(func(o Observer) { o.ChannelRemoved(id) })
}

func (s *session) UserAdded(u model.User) {
	s.c.emit(func(o Observer) { o.UserAdded(u) })
}

func (s *session) UserUpdated(u model.User) {
	s.c.emit(func(o Observer) { o.UserUpdated(u) })
}

func (s *session) UserRemoved(id uint32) {
	s.c.emit(func(o Observer) { o.UserRemoved(id) })
}

func (s *session) CurrentChannelChanged(ch model.Channel) {
	s.c.events.post(func() { s.c.rememberChannel(ch.ID) })
	s.c.emit(func(o Observer) { o.CurrentChannelChanged(ch) })
}

func (s *session) CurrentUserUpdated(u model.User) {
	s.c.emit(func(o Observer) { o.CurrentUserUpdated(u) })
}

func (s *session) Synchronized(synced bool) {
	if synced {
		s.synced.Store(true)
		// Queued ahead of the CurrentChannelChanged that follows, so the
		// rejoin target is read before the server's placement overwrites it.
		s.c.events.post(s.rejoin)
		s.c.setState(StateConnected, nil)
	}
	s.c.emit(func(o Observer) { o.Synchronized(synced) })
}

func (s *session) MessageReceived(m model.Message) {
	s.c.emit(func(o Observer) { o.MessageReceived(m) })
}

func (s *session) MessageSent(m model.Message) {
	s.c.emit(func(o Observer) { o.MessageSent(m) })
}

func (s *session) ConnectionError(text string) {
	s.c.emit(func(o Observer) { o.ConnectionError(text) })
}

// rejoin moves the local user back to the remembered channel. It runs on
// the dispatcher goroutine.
func (s *session) rejoin() {
	target, ok := s.c.rejoinTarget(s.p)
	if !ok {
		return
	}
	if _, exists := s.p.Channel(target); !exists {
		return
	}
	if cur, ok := s.p.CurrentUser(); ok && cur.ChannelID == target {
		return
	}
	if err := s.p.JoinChannel(target); err != nil {
		s.c.log.Debug().Err(err).Uint32("channel", target).Msg("rejoin failed")
		return
	}
	s.c.log.Info().Uint32("channel", target).Msg("rejoining channel")
}
