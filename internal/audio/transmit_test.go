package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mumbleclient/internal/protocol"
	"mumbleclient/internal/vad"
)

var _ Sender = (*protocol.Protocol)(nil)

type sent struct {
	frame      []byte
	terminator bool
}

type recordingSender struct {
	frames []sent
	err    error
}

func (s *recordingSender) SendVoiceFrame(frame []byte, terminator bool) error {
	s.frames = append(s.frames, sent{frame, terminator})
	return s.err
}

func pcm(level int16) []int16 {
	f := make([]int16, 480)
	for i := range f {
		if i%2 == 0 {
			f[i] = level
		} else {
			f[i] = -level
		}
	}
	return f
}

func TestContinuousSendsEverything(t *testing.T) {
	s := &recordingSender{}
	tx := NewTransmitter(s, Continuous)

	require.NoError(t, tx.Submit(pcm(0), []byte{1}))
	require.NoError(t, tx.Submit(pcm(0), []byte{2}))
	require.NoError(t, tx.Flush())

	assert.Equal(t, []sent{{[]byte{1}, false}, {[]byte{2}, false}, {nil, true}}, s.frames)
	assert.False(t, tx.Transmitting())
}

func TestPushToTalk(t *testing.T) {
	s := &recordingSender{}
	tx := NewTransmitter(s, PushToTalk)

	require.NoError(t, tx.Submit(pcm(0), []byte{1}))
	assert.Empty(t, s.frames, "nothing is sent while released")

	tx.SetPressed(true)
	require.NoError(t, tx.Submit(pcm(0), []byte{2}))
	assert.True(t, tx.Transmitting())

	tx.SetPressed(false)
	require.NoError(t, tx.Submit(pcm(0), []byte{3}))
	require.NoError(t, tx.Submit(pcm(0), []byte{4}))

	assert.Equal(t, []sent{{[]byte{2}, false}, {[]byte{3}, true}}, s.frames)
}

func TestVoiceActivityEndsAfterHangover(t *testing.T) {
	s := &recordingSender{}
	tx := NewTransmitter(s, VoiceActivity)

	require.NoError(t, tx.Submit(pcm(0), []byte{0}))
	assert.Empty(t, s.frames)

	require.NoError(t, tx.Submit(pcm(8000), []byte{1}))
	for range vad.DefaultHangover {
		require.NoError(t, tx.Submit(pcm(0), []byte{2}))
	}
	require.NoError(t, tx.Submit(pcm(0), []byte{3}))
	require.NoError(t, tx.Submit(pcm(0), []byte{4}))

	require.Len(t, s.frames, vad.DefaultHangover+2)
	assert.False(t, s.frames[0].terminator)
	last := s.frames[len(s.frames)-1]
	assert.Equal(t, sent{[]byte{3}, true}, last)
	// Flush after the transmission ended sends nothing.
	require.NoError(t, tx.Flush())
	assert.Len(t, s.frames, vad.DefaultHangover+2)
}

func TestSendErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	tx := NewTransmitter(&recordingSender{err: boom}, Continuous)
	assert.ErrorIs(t, tx.Submit(nil, []byte{1}), boom)
}

func TestSetModeAndParse(t *testing.T) {
	tx := NewTransmitter(&recordingSender{}, Continuous)
	tx.SetMode(PushToTalk)
	assert.Equal(t, PushToTalk, tx.Mode())

	for _, m := range []Mode{Continuous, VoiceActivity, PushToTalk} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("shout")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
