package client

import (
	"mumbleclient/internal/model"
	"mumbleclient/internal/protocol"
	"mumbleclient/internal/transport"
)

// JoinChannel moves the local user to channel id.
func (c *Client) JoinChannel(id uint32) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.JoinChannel(id)
}

// JoinChannelPath moves the local user to the channel at path below the root.
func (c *Client) JoinChannelPath(path []string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	id, ok := ChannelByPath(s.p.Channels(), path)
	if !ok {
		return protocol.ErrUnknownChannel
	}
	return s.p.JoinChannel(id)
}

// CreateChannel asks the server for a new channel under parent.
func (c *Client) CreateChannel(name string, parent uint32, temporary bool) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.CreateChannel(name, parent, temporary)
}

// SetSelfMute toggles self-mute.
func (c *Client) SetSelfMute(mute bool) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.SetSelfMute(mute)
}

// SetSelfDeaf toggles self-deafen.
func (c *Client) SetSelfDeaf(deaf bool) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.SetSelfDeaf(deaf)
}

// SendChannelTextMessage posts text to a channel.
func (c *Client) SendChannelTextMessage(text string, channelID uint32) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.SendChannelTextMessage(text, channelID)
}

// SendUserTextMessage sends a private message.
func (c *Client) SendUserTextMessage(text string, session uint32) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.SendUserTextMessage(text, session)
}

// SendVoiceFrame transmits one encoded frame of the negotiated codec.
func (c *Client) SendVoiceFrame(frame []byte, terminator bool) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.p.SendVoiceFrame(frame, terminator)
}

// --- snapshots; empty while disconnected ---

func (c *Client) Channels() []model.Channel {
	if s, err := c.current(); err == nil {
		return s.p.Channels()
	}
	return nil
}

func (c *Client) Users() []model.User {
	if s, err := c.current(); err == nil {
		return s.p.Users()
	}
	return nil
}

func (c *Client) CurrentUser() (model.User, bool) {
	if s, err := c.current(); err == nil {
		return s.p.CurrentUser()
	}
	return model.User{}, false
}

func (c *Client) CurrentChannel() (model.Channel, bool) {
	if s, err := c.current(); err == nil {
		return s.p.CurrentChannel()
	}
	return model.Channel{}, false
}

func (c *Client) Messages() []model.Message {
	if s, err := c.current(); err == nil {
		return s.p.Messages()
	}
	return nil
}

func (c *Client) CanTransmit() bool {
	if s, err := c.current(); err == nil {
		return s.p.CanTransmit()
	}
	return false
}

func (c *Client) ServerInfo() protocol.ServerInfo {
	if s, err := c.current(); err == nil {
		return s.p.ServerInfo()
	}
	return protocol.ServerInfo{}
}

// Stats reports the transport counters of the live connection.
func (c *Client) Stats() transport.Stats {
	if s, err := c.current(); err == nil {
		return s.link.Stats()
	}
	return transport.Stats{}
}
