package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flag(b bool) *bool { return &b }

func TestApplyStateFlags(t *testing.T) {
	tests := []struct {
		name  string
		start User
		flags StateFlags
		want  User
	}{
		{
			name:  "deaf implies muted",
			flags: StateFlags{Mute: flag(false), Deaf: flag(true)},
			want:  User{Muted: true, Deafened: true, State: StateDeafened},
		},
		{
			name:  "suppress alone shows muted without deaf",
			flags: StateFlags{Suppress: flag(true)},
			want:  User{Suppressed: true, State: StateMuted},
		},
		{
			name:  "suppress overrides deafened display",
			flags: StateFlags{Deaf: flag(true), Suppress: flag(false)},
			want:  User{Muted: true, Deafened: true, State: StateNone},
		},
		{
			name:  "self deaf wins over self mute",
			flags: StateFlags{SelfMute: flag(true), SelfDeaf: flag(true)},
			want:  User{SelfMuted: true, SelfDeafened: true, State: StateDeafened},
		},
		{
			name:  "self mute only",
			flags: StateFlags{SelfMute: flag(true)},
			want:  User{SelfMuted: true, State: StateMuted},
		},
		{
			name:  "clearing self flags resets display",
			start: User{SelfMuted: true, State: StateMuted},
			flags: StateFlags{SelfMute: flag(false)},
			want:  User{State: StateNone},
		},
		{
			name:  "server mute overrides self state",
			start: User{SelfDeafened: true, State: StateDeafened},
			flags: StateFlags{Mute: flag(true)},
			want:  User{SelfDeafened: true, Muted: true, State: StateMuted},
		},
		{
			name:  "undeafen keeps implied mute",
			start: User{Muted: true, Deafened: true, State: StateDeafened},
			flags: StateFlags{Deaf: flag(false)},
			want:  User{Muted: true, State: StateMuted},
		},
		{
			name:  "no flags leaves user untouched",
			start: User{Muted: true, State: StateMuted},
			flags: StateFlags{},
			want:  User{Muted: true, State: StateMuted},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.start
			u.ApplyStateFlags(tc.flags)
			assert.Equal(t, tc.want, u)
		})
	}
}

func TestNewUserIsAnonymous(t *testing.T) {
	u := NewUser(42)
	assert.EqualValues(t, 42, u.Session)
	assert.EqualValues(t, -1, u.UserID)
	assert.Equal(t, StateNone, u.State)
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := Message{
		Text:       "hi",
		Actor:      &User{Session: 3, Name: "alice"},
		ChannelIDs: []uint32{1, 2},
	}
	c := m.Clone()
	require.NotSame(t, m.Actor, c.Actor)

	c.Actor.Name = "mallory"
	c.ChannelIDs[0] = 9
	assert.Equal(t, "alice", m.Actor.Name)
	assert.Equal(t, []uint32{1, 2}, m.ChannelIDs)
	assert.Nil(t, c.TreeIDs)
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "deafened", StateDeafened.String())
	assert.Equal(t, "none", UserState(7).String())
	assert.Equal(t, "sent", Sent.String())
}
