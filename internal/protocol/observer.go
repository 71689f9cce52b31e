package protocol

import "mumbleclient/internal/model"

// Observer receives directory and session notifications in the order the
// protocol commits them. Values are snapshots. Methods run on the control
// reader goroutine (talk state changes on the audio goroutine) and must not
// call Protocol.Stop.
type Observer interface {
	ChannelAdded(ch model.Channel)
	ChannelUpdated(ch model.Channel)
	ChannelRemoved(id uint32)

	UserAdded(u model.User)
	UserUpdated(u model.User)
	UserRemoved(session uint32)

	CurrentChannelChanged(ch model.Channel)
	CurrentUserUpdated(u model.User)
	Synchronized(synced bool)

	MessageReceived(m model.Message)
	MessageSent(m model.Message)

	// ConnectionError reports a human-readable problem. The connection may
	// continue.
	ConnectionError(text string)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ChannelAdded(model.Channel)          {}
func (NopObserver) ChannelUpdated(model.Channel)        {}
func (NopObserver) ChannelRemoved(uint32)               {}
func (NopObserver) UserAdded(model.User)                {}
func (NopObserver) UserUpdated(model.User)              {}
func (NopObserver) UserRemoved(uint32)                  {}
func (NopObserver) CurrentChannelChanged(model.Channel) {}
func (NopObserver) CurrentUserUpdated(model.User)       {}
func (NopObserver) Synchronized(bool)                   {}
func (NopObserver) MessageReceived(model.Message)       {}
func (NopObserver) MessageSent(model.Message)           {}
func (NopObserver) ConnectionError(string)              {}
