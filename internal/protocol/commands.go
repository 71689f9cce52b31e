package protocol

import (
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"mumbleclient/internal/model"
	"mumbleclient/internal/mumbleproto"
)

// self returns the local session, failing before synchronization.
func (p *Protocol) self() (uint32, error) {
	if p.stopped.Load() {
		return 0, errStopped
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.synced {
		return 0, ErrNotSynchronized
	}
	return p.session, nil
}

// JoinChannel asks the server to move the local user to channel id.
func (p *Protocol) JoinChannel(id uint32) error {
	session, err := p.self()
	if err != nil {
		return err
	}
	return p.conn.SendMessage(&mumbleproto.UserState{
		Session:   proto.Uint32(session),
		ChannelID: proto.Uint32(id),
	})
}

// CreateChannel asks the server to create a channel under parent.
func (p *Protocol) CreateChannel(name string, parent uint32, temporary bool) error {
	if _, err := p.self(); err != nil {
		return err
	}
	return p.conn.SendMessage(&mumbleproto.ChannelState{
		Parent:    proto.Uint32(parent),
		Name:      proto.String(name),
		Temporary: proto.Bool(temporary),
	})
}

// SetSelfMute toggles the local user's self-mute.
func (p *Protocol) SetSelfMute(mute bool) error {
	session, err := p.self()
	if err != nil {
		return err
	}
	return p.conn.SendMessage(&mumbleproto.UserState{
		Session:  proto.Uint32(session),
		SelfMute: proto.Bool(mute),
	})
}

// SetSelfDeaf toggles the local user's self-deafen. The server implies
// self-mute while deafened.
func (p *Protocol) SetSelfDeaf(deaf bool) error {
	session, err := p.self()
	if err != nil {
		return err
	}
	return p.conn.SendMessage(&mumbleproto.UserState{
		Session:  proto.Uint32(session),
		SelfDeaf: proto.Bool(deaf),
	})
}

// SendChannelTextMessage posts text to a channel and records it as sent.
func (p *Protocol) SendChannelTextMessage(text string, channelID uint32) error {
	session, err := p.self()
	if err != nil {
		return err
	}
	if _, ok := p.Channel(channelID); !ok {
		return ErrUnknownChannel
	}
	if err := p.conn.SendMessage(&mumbleproto.TextMessage{
		ChannelID: []uint32{channelID},
		Message:   text,
	}); err != nil {
		return err
	}
	p.sent(model.Message{ChannelIDs: []uint32{channelID}, Text: text}, session)
	return nil
}

// SendUserTextMessage sends a private message to one session.
func (p *Protocol) SendUserTextMessage(text string, session uint32) error {
	self, err := p.self()
	if err != nil {
		return err
	}
	if err := p.conn.SendMessage(&mumbleproto.TextMessage{
		Session: []uint32{session},
		Message: text,
	}); err != nil {
		return err
	}
	p.sent(model.Message{Sessions: []uint32{session}, Text: text}, self)
	return nil
}

func (p *Protocol) sent(msg model.Message, self uint32) {
	msg.ID = uuid.NewString()
	msg.Timestamp = p.opts.Now()
	msg.Direction = model.Sent
	msg.ActorSession = self

	p.mu.Lock()
	if u, ok := p.users[self]; ok {
		actor := *u
		msg.Actor = &actor
	}
	p.messages = append(p.messages, msg)
	p.mu.Unlock()

	p.record(msg)
	snap := msg.Clone()
	p.notify(func(o Observer) { o.MessageSent(snap) })
}
