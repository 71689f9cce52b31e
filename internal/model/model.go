// Package model holds the directory value types mirrored from the server:
// channels, users and text messages.
//
// Values handed to observers are copies; the protocol owns the live
// instances and never shares pointers to them outside its lock.
package model

import "time"

// UserState is the composite mute/deafen state shown for a user.
type UserState int

const (
	StateNone UserState = iota
	StateMuted
	StateDeafened
)

func (s UserState) String() string {
	switch s {
	case StateMuted:
		return "muted"
	case StateDeafened:
		return "deafened"
	default:
		return "none"
	}
}

// TalkState is the speaking indicator driven by the audio pipeline.
type TalkState int

const (
	TalkPassive TalkState = iota
	TalkTalking
)

// Direction of a text message relative to the local user.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

// Channel is one node of the server's channel tree.
type Channel struct {
	ID        uint32
	Name      string
	Parent    uint32
	HasParent bool // the root channel has no parent
	Removed   bool

	// UserCount is maintained incrementally as users join and leave.
	UserCount int

	Description string
	Temporary   bool
	Position    int32
}

// User is a connected session.
type User struct {
	Session uint32
	Name    string

	// ChannelID refers into the channel directory; the channel does not
	// point back.
	ChannelID uint32

	Muted        bool
	Deafened     bool
	Suppressed   bool
	SelfMuted    bool
	SelfDeafened bool
	State        UserState
	Talking      TalkState

	// IsCurrent marks the local session.
	IsCurrent bool

	// UserID is the registered account id, or -1 for anonymous users.
	UserID  int64
	Comment string
}

// NewUser returns an anonymous user for session.
func NewUser(session uint32) *User {
	return &User{Session: session, UserID: -1}
}

// StateFlags carries the presence-tracked mute/deaf flags of a user state
// update. Nil means the field was absent.
type StateFlags struct {
	SelfMute *bool
	SelfDeaf *bool
	Mute     *bool
	Deaf     *bool
	Suppress *bool
}

// ApplyStateFlags applies a partial update to the mute/deaf/suppress flags
// and recomputes the composite State. Later steps override the State set by
// earlier ones, so a server suppress always wins the displayed state.
func (u *User) ApplyStateFlags(f StateFlags) {
	if f.SelfDeaf != nil || f.SelfMute != nil {
		if f.SelfDeaf != nil {
			u.SelfDeafened = *f.SelfDeaf
		}
		if f.SelfMute != nil {
			u.SelfMuted = *f.SelfMute
		}
		switch {
		case f.SelfDeaf != nil && *f.SelfDeaf:
			u.State = StateDeafened
		case f.SelfMute != nil && *f.SelfMute:
			u.State = StateMuted
		default:
			u.State = StateNone
		}
	}

	if f.Mute != nil {
		u.Muted = *f.Mute
		u.State = stateIf(u.Muted, StateMuted)
	}

	if f.Deaf != nil {
		u.Deafened = *f.Deaf
		u.Muted = u.Muted || u.Deafened
		switch {
		case u.Deafened:
			u.State = StateDeafened
		case u.Muted:
			u.State = StateMuted
		default:
			u.State = StateNone
		}
	}

	if f.Suppress != nil {
		u.Suppressed = *f.Suppress
		u.State = stateIf(u.Suppressed, StateMuted)
	}
}

func stateIf(cond bool, s UserState) UserState {
	if cond {
		return s
	}
	return StateNone
}

// Message is a text message sent or received on this connection.
type Message struct {
	ID        string
	Timestamp time.Time
	Text      string

	// Actor is a snapshot of the sender, nil when the sender could not be
	// resolved (for example the server itself, or a user who already left).
	Actor        *User
	ActorSession uint32
	Direction    Direction

	ChannelIDs []uint32
	TreeIDs    []uint32
	Sessions   []uint32
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	if m.Actor != nil {
		a := *m.Actor
		m.Actor = &a
	}
	m.ChannelIDs = cloneIDs(m.ChannelIDs)
	m.TreeIDs = cloneIDs(m.TreeIDs)
	m.Sessions = cloneIDs(m.Sessions)
	return m
}

func cloneIDs(ids []uint32) []uint32 {
	if ids == nil {
		return nil
	}
	return append([]uint32(nil), ids...)
}
