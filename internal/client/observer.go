package client

import "mumbleclient/internal/protocol"

// Observer receives the protocol notifications of every session plus
// connection state changes. err is non-nil when the state change was caused
// by a failure.
type Observer interface {
	protocol.Observer
	StateChanged(state State, err error)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct {
	protocol.NopObserver
}

func (NopObserver) StateChanged(State, error) {}
