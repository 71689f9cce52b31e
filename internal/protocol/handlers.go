package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
)

// historyTimeout bounds one history write on the control goroutine.
const historyTimeout = 2 * time.Second

// HandleMessage applies one control message. A returned error wrapping
// ErrProtocolViolation means the connection must be aborted.
func (p *Protocol) HandleMessage(m mumbleproto.Message) error {
	if p.stopped.Load() {
		return nil
	}

	p.mu.Lock()
	if p.state == StateConnecting {
		p.state = StateSynchronizing
	}
	p.mu.Unlock()

	switch m := m.(type) {
	case *mumbleproto.UDPTunnel:
		p.HandleDatagram(m.Packet, true)
	case *mumbleproto.Ping:
		// Echo of our own keep-alive.
	case *mumbleproto.CodecVersion:
		p.handleCodecVersion(m)
	case *mumbleproto.Reject:
		p.handleReject(m)
	case *mumbleproto.ServerSync:
		return p.handleServerSync(m)
	case *mumbleproto.ChannelState:
		p.handleChannelState(m)
	case *mumbleproto.ChannelRemove:
		return p.handleChannelRemove(m)
	case *mumbleproto.UserState:
		return p.handleUserState(m)
	case *mumbleproto.UserRemove:
		return p.handleUserRemove(m)
	case *mumbleproto.TextMessage:
		p.handleTextMessage(m)
	case *mumbleproto.CryptSetup:
		return p.handleCryptSetup(m)
	case *mumbleproto.PermissionDenied:
		p.handlePermissionDenied(m)
	case *mumbleproto.Version:
		p.log.Info().
			Str("release", deref(m.Release)).
			Str("os", deref(m.OS)).
			Str("os_version", deref(m.OSVersion)).
			Uint32("version", derefU32(m.Version)).
			Msg("server version")
	case *mumbleproto.ServerConfig:
		p.handleServerConfig(m)
	default:
		p.log.Debug().Stringer("type", m.Type()).Msg("unhandled message")
	}
	return nil
}

func (p *Protocol) handleCodecVersion(m *mumbleproto.CodecVersion) {
	codec := CodecNone
	switch {
	case p.opts.Opus && m.Opus != nil && *m.Opus:
		codec = CodecOpus
	case m.Alpha != nil && *m.Alpha == p.opts.CELTVersion:
		codec = CodecCELTAlpha
	case m.Beta != nil && *m.Beta == p.opts.CELTVersion:
		codec = CodecCELTBeta
	}

	p.mu.Lock()
	old := p.canSpeak
	p.codec = codec
	muted, suppressed := false, false
	var self model.User
	if p.synced {
		if u, ok := p.users[p.session]; ok {
			muted, suppressed = u.Muted, u.Suppressed
			self = *u
		}
	}
	p.canSpeak = codec != CodecNone && !muted && !suppressed
	changed := p.canSpeak != old && p.synced
	p.mu.Unlock()

	p.log.Debug().Int("codec", codec).Msg("codec negotiated")
	if changed {
		p.notify(func(o Observer) { o.CurrentUserUpdated(self) })
	}
}

func (p *Protocol) handleReject(m *mumbleproto.Reject) {
	r := Rejection{Reason: deref(m.Reason)}
	if m.Kind != nil {
		r.Kind = *m.Kind
	}
	p.mu.Lock()
	p.reject = &r
	p.mu.Unlock()

	p.log.Error().Stringer("kind", r.Kind).Str("reason", r.Reason).Msg("connection rejected")
	text := fmt.Sprintf("Connection rejected: %s", r.Reason)
	p.notify(func(o Observer) { o.ConnectionError(text) })
}

func (p *Protocol) handleServerSync(m *mumbleproto.ServerSync) error {
	if m.Session == nil {
		return violation("server sync without session")
	}

	p.mu.Lock()
	// Stop sets stopped before it takes mu, so anything started below is
	// visible to a Stop that has not yet read it.
	if p.stopped.Load() {
		p.mu.Unlock()
		return nil
	}
	if p.synced {
		p.mu.Unlock()
		return violation("second server sync")
	}
	self, ok := p.users[*m.Session]
	if !ok {
		p.mu.Unlock()
		return violation("server sync names unknown session %d", *m.Session)
	}
	self.IsCurrent = true
	p.session = self.Session
	p.synced = true
	p.state = StateSynchronized
	if m.MaxBandwidth != nil {
		p.info.MaxBandwidth = *m.MaxBandwidth
	}
	if m.WelcomeText != nil {
		p.info.WelcomeText = *m.WelcomeText
	}
	if m.Permissions != nil {
		p.info.Permissions = *m.Permissions
	}
	p.canSpeak = p.codec != CodecNone && !self.Muted && !self.Suppressed
	userSnap := *self
	var chanSnap model.Channel
	if ch, ok := p.channels[self.ChannelID]; ok {
		chanSnap = *ch
	}

	p.pingStop = make(chan struct{})
	p.pingDone = make(chan struct{})
	go p.keepAlive(p.pingStop, p.pingDone)
	p.mu.Unlock()

	if p.opts.Audio != nil {
		out, err := p.opts.Audio(p.setTalkState)
		if err != nil {
			p.log.Error().Err(err).Msg("audio output unavailable")
		} else {
			p.mu.Lock()
			stopped := p.stopped.Load()
			if !stopped {
				p.audio = out
			}
			p.mu.Unlock()
			if stopped {
				out.Stop()
			}
		}
	}
	if p.stopped.Load() {
		return nil
	}

	if err := p.conn.SendMessage(&mumbleproto.UserState{Session: &userSnap.Session}); err != nil {
		return fmt.Errorf("protocol: acknowledge sync: %w", err)
	}

	p.log.Info().Uint32("session", userSnap.Session).Str("name", userSnap.Name).Msg("synchronized")
	p.notify(func(o Observer) {
		o.Synchronized(true)
		o.CurrentChannelChanged(chanSnap)
		o.CurrentUserUpdated(userSnap)
	})
	return nil
}

func (p *Protocol) handleChannelState(m *mumbleproto.ChannelState) {
	if m.ChannelID == nil {
		p.log.Warn().Msg("channel state without id")
		return
	}

	p.mu.Lock()
	ch, ok := p.channels[*m.ChannelID]
	if !ok {
		ch = &model.Channel{ID: *m.ChannelID}
		p.channels[ch.ID] = ch
	}
	if m.Name != nil {
		ch.Name = *m.Name
	}
	if m.Parent != nil {
		ch.Parent = *m.Parent
		ch.HasParent = true
	}
	if m.Description != nil {
		ch.Description = *m.Description
	}
	if m.Temporary != nil {
		ch.Temporary = *m.Temporary
	}
	if m.Position != nil {
		ch.Position = *m.Position
	}
	snap := *ch
	p.mu.Unlock()

	if ok {
		p.notify(func(o Observer) { o.ChannelUpdated(snap) })
	} else {
		p.notify(func(o Observer) { o.ChannelAdded(snap) })
	}
}

func (p *Protocol) handleChannelRemove(m *mumbleproto.ChannelRemove) error {
	p.mu.Lock()
	ch, ok := p.channels[m.ChannelID]
	if !ok {
		p.mu.Unlock()
		return violation("remove of unknown channel %d", m.ChannelID)
	}
	ch.Removed = true
	delete(p.channels, m.ChannelID)
	p.mu.Unlock()

	p.notify(func(o Observer) { o.ChannelRemoved(m.ChannelID) })
	return nil
}

func (p *Protocol) handleUserState(m *mumbleproto.UserState) error {
	if m.Session == nil {
		p.log.Warn().Msg("user state without session")
		return nil
	}
	session := *m.Session

	p.mu.Lock()
	u, exists := p.users[session]
	added := !exists

	var (
		moved      bool
		chanUpdate bool
		oldChan    *model.Channel
		newChan    *model.Channel
	)
	if added || m.ChannelID != nil {
		var target uint32
		if m.ChannelID != nil {
			target = *m.ChannelID
		}
		var ok bool
		newChan, ok = p.channels[target]
		if !ok {
			p.mu.Unlock()
			return violation("user %d in unknown channel %d", session, target)
		}
		if added {
			u = model.NewUser(session)
			p.users[session] = u
		} else if old, ok := p.channels[u.ChannelID]; ok {
			old.UserCount--
			if old.ID != target {
				oldChan = old
			}
		}
		newChan.UserCount++
		moved = added || u.ChannelID != target
		u.ChannelID = target
		chanUpdate = true
	}

	u.ApplyStateFlags(model.StateFlags{
		SelfMute: m.SelfMute,
		SelfDeaf: m.SelfDeaf,
		Mute:     m.Mute,
		Deaf:     m.Deaf,
		Suppress: m.Suppress,
	})
	if m.Name != nil {
		u.Name = *m.Name
	}
	if m.UserID != nil {
		u.UserID = int64(*m.UserID)
	}
	if m.Comment != nil {
		u.Comment = *m.Comment
	}

	current := p.synced && session == p.session
	if current {
		// Mute and suppress each recompute from the message alone, so a user
		// both muted and suppressed regains speech when either is lifted.
		if m.Mute != nil {
			p.canSpeak = p.codec != CodecNone && !*m.Mute
		}
		if m.Suppress != nil {
			p.canSpeak = p.codec != CodecNone && !*m.Suppress
		}
	}

	userSnap := *u
	var oldSnap, newSnap model.Channel
	if oldChan != nil {
		oldSnap = *oldChan
	}
	if newChan != nil {
		newSnap = *newChan
	}
	p.mu.Unlock()

	p.notify(func(o Observer) {
		if oldChan != nil {
			o.ChannelUpdated(oldSnap)
		}
		if chanUpdate {
			o.ChannelUpdated(newSnap)
		}
		if added {
			o.UserAdded(userSnap)
		} else {
			o.UserUpdated(userSnap)
		}
		if current && moved {
			o.CurrentChannelChanged(newSnap)
		}
		if current {
			o.CurrentUserUpdated(userSnap)
		}
	})
	return nil
}

func (p *Protocol) handleUserRemove(m *mumbleproto.UserRemove) error {
	p.mu.Lock()
	u, ok := p.users[m.Session]
	if !ok {
		p.mu.Unlock()
		return violation("remove of unknown session %d", m.Session)
	}
	delete(p.users, m.Session)
	var (
		chanSnap model.Channel
		hasChan  bool
	)
	if ch, ok := p.channels[u.ChannelID]; ok {
		ch.UserCount--
		chanSnap, hasChan = *ch, true
	}
	self := p.synced && m.Session == p.session
	p.mu.Unlock()

	p.notify(func(o Observer) {
		if hasChan {
			o.ChannelUpdated(chanSnap)
		}
		o.UserRemoved(m.Session)
		if self {
			text := "Removed from server"
			if m.Reason != nil && *m.Reason != "" {
				text += ": " + *m.Reason
			}
			o.ConnectionError(text)
		}
	})
	return nil
}

func (p *Protocol) handleTextMessage(m *mumbleproto.TextMessage) {
	msg := model.Message{
		ID:         uuid.NewString(),
		Timestamp:  p.opts.Now(),
		Text:       m.Message,
		Direction:  model.Received,
		ChannelIDs: m.ChannelID,
		TreeIDs:    m.TreeID,
		Sessions:   m.Session,
	}

	p.mu.Lock()
	if m.Actor != nil {
		msg.ActorSession = *m.Actor
		if u, ok := p.users[*m.Actor]; ok {
			actor := *u
			msg.Actor = &actor
		}
	}
	p.messages = append(p.messages, msg)
	p.mu.Unlock()

	p.record(msg)
	snap := msg.Clone()
	p.notify(func(o Observer) { o.MessageReceived(snap) })
}

// record appends msg to the history sink, if any. Failures are logged.
func (p *Protocol) record(msg model.Message) {
	if p.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := p.opts.History.Append(ctx, msg); err != nil {
		p.log.Warn().Err(err).Str("message", msg.ID).Msg("history append failed")
	}
}

func (p *Protocol) handleCryptSetup(m *mumbleproto.CryptSetup) error {
	switch {
	case m.Key != nil && m.ClientNonce != nil && m.ServerNonce != nil:
		if err := p.conn.SetCryptKeys(m.Key, m.ClientNonce, m.ServerNonce); err != nil {
			return violation("crypt setup: %v", err)
		}
		p.log.Debug().Msg("crypt keys installed")
	case m.ServerNonce != nil:
		if err := p.conn.SetServerNonce(m.ServerNonce); err != nil {
			p.log.Warn().Err(err).Msg("server nonce rejected")
			return nil
		}
		p.log.Debug().Msg("server nonce resynchronized")
	default:
		p.log.Debug().Msg("server requested client nonce")
		err := p.conn.SendMessage(&mumbleproto.CryptSetup{ClientNonce: p.conn.ClientNonce()})
		if err != nil {
			return fmt.Errorf("protocol: send client nonce: %w", err)
		}
	}
	return nil
}

// CryptResyncNeeded asks the server to resend its nonce.
func (p *Protocol) CryptResyncNeeded() {
	if p.stopped.Load() {
		return
	}
	if err := p.conn.SendMessage(&mumbleproto.CryptSetup{}); err != nil {
		p.log.Debug().Err(err).Msg("crypt resync request failed")
	}
}

func (p *Protocol) handlePermissionDenied(m *mumbleproto.PermissionDenied) {
	var text string
	switch {
	case m.Reason != nil && *m.Reason != "":
		text = "Permission denied: " + *m.Reason
	case m.Kind != nil && *m.Kind == mumbleproto.DenyChannelName:
		text = "Permission denied: invalid or duplicate channel name " + deref(m.Name)
	case m.Kind != nil && *m.Kind == mumbleproto.DenyTemporaryChannel:
		text = "Permission denied: not allowed in a temporary channel"
	case m.Kind != nil:
		text = "Permission denied: " + m.Kind.String()
	default:
		text = "Permission denied"
	}
	ev := p.log.Warn().Str("text", text)
	if m.Kind != nil {
		ev = ev.Stringer("kind", *m.Kind)
	}
	ev.Msg("permission denied")
	p.notify(func(o Observer) { o.ConnectionError(text) })
}

func (p *Protocol) handleServerConfig(m *mumbleproto.ServerConfig) {
	p.mu.Lock()
	if m.MaxBandwidth != nil {
		p.info.MaxBandwidth = *m.MaxBandwidth
	}
	if m.WelcomeText != nil {
		p.info.WelcomeText = *m.WelcomeText
	}
	if m.AllowHTML != nil {
		p.info.AllowHTML = *m.AllowHTML
	}
	if m.MessageLength != nil {
		p.info.MessageLength = *m.MessageLength
	}
	if m.MaxUsers != nil {
		p.info.MaxUsers = *m.MaxUsers
	}
	p.mu.Unlock()
}

// IsViolation reports whether err aborts the connection without retry.
func IsViolation(err error) bool { return errors.Is(err, ErrProtocolViolation) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefU32(v *uint32) uint32 {
	if v == nil {
		return 0
	}
	return *v
}
