package transport

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"mumbleclient/internal/cryptstate"
	"mumbleclient/internal/mumbleproto"
)

type recordingHandler struct {
	msgs      chan mumbleproto.Message
	datagrams chan datagram
	resyncs   chan struct{}
	fail      func(mumbleproto.Message) error
}

type datagram struct {
	pkt      []byte
	tunneled bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		msgs:      make(chan mumbleproto.Message, 16),
		datagrams: make(chan datagram, 16),
		resyncs:   make(chan struct{}, 4),
	}
}

func (h *recordingHandler) HandleMessage(m mumbleproto.Message) error {
	if h.fail != nil {
		if err := h.fail(m); err != nil {
			return err
		}
	}
	h.msgs <- m
	return nil
}

func (h *recordingHandler) HandleDatagram(pkt []byte, tunneled bool) {
	h.datagrams <- datagram{append([]byte(nil), pkt...), tunneled}
}

func (h *recordingHandler) CryptResyncNeeded() { h.resyncs <- struct{}{} }

type testServer struct {
	ctrl   net.Conn
	frames chan mumbleproto.Frame
	udp    *net.UDPConn
	crypt  *cryptstate.State
}

func (s *testServer) write(t *testing.T, m mumbleproto.Message) {
	t.Helper()
	require.NoError(t, mumbleproto.WriteFrame(s.ctrl, mumbleproto.Encode(m), mumbleproto.DefaultLimits()))
}

func (s *testServer) nextFrame(t *testing.T) mumbleproto.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no control frame received")
		return mumbleproto.Frame{}
	}
}

func (s *testServer) readDatagram(t *testing.T) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, maxDatagram)
	require.NoError(t, s.udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := s.udp.ReadFromUDP(buf)
	require.NoError(t, err)
	plain, err := s.crypt.Decrypt(buf[:n])
	require.NoError(t, err)
	return plain, from
}

var (
	testKey         = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	testClientNonce = []byte{0, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 9, 8, 7, 6, 5}
	testServerNonce = []byte{0, 1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 121, 98}
)

// startTestConnection wires a Connection to an in-memory control stream and
// a loopback UDP peer whose crypto state mirrors the client's.
func startTestConnection(t *testing.T, h Handler, withUDP bool) (*Connection, *testServer) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	srv := &testServer{ctrl: serverEnd, frames: make(chan mumbleproto.Frame, 16)}
	go func() {
		for {
			f, err := mumbleproto.ReadFrame(serverEnd, mumbleproto.DefaultLimits())
			if err != nil {
				close(srv.frames)
				return
			}
			srv.frames <- f
		}
	}()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:64738"
	c := New(cfg, h)
	c.rng = rand.New(rand.NewSource(1))

	var udp *net.UDPConn
	if withUDP {
		var err error
		srv.udp, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		udp, err = net.DialUDP("udp", nil, srv.udp.LocalAddr().(*net.UDPAddr))
		require.NoError(t, err)

		srv.crypt = cryptstate.New()
		require.NoError(t, srv.crypt.SetKeys(testKey, testServerNonce, testClientNonce))
		require.NoError(t, c.SetCryptKeys(testKey, testClientNonce, testServerNonce))
	}

	require.NoError(t, c.start(clientEnd, udp))
	t.Cleanup(func() {
		c.Disconnect()
		_ = serverEnd.Close()
		if srv.udp != nil {
			_ = srv.udp.Close()
		}
	})
	return c, srv
}

func TestVoiceFallsBackToTunnelWhenDatagramPathIsStale(t *testing.T) {
	h := newRecordingHandler()
	c, srv := startTestConnection(t, h, true)

	var mu sync.Mutex
	now := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	voice := []byte{mumbleproto.UDPVoiceOpus << 5, 0x01, 0x02}

	// No ping has ever been echoed.
	require.False(t, c.DatagramAlive())
	require.NoError(t, c.SendVoice(voice))
	f := srv.nextFrame(t)
	assert.Equal(t, mumbleproto.TypeUDPTunnel, f.Type)
	assert.Equal(t, voice, f.Payload)

	c.MarkDatagramAlive(c.now().UnixMilli())
	require.True(t, c.DatagramAlive())
	require.NoError(t, c.SendVoice(voice))
	got, _ := srv.readDatagram(t)
	assert.Equal(t, voice, got)

	// 6 s without a fresh echo is past the threshold.
	advance(6 * time.Second)
	require.False(t, c.DatagramAlive())
	require.NoError(t, c.SendVoice(voice))
	f = srv.nextFrame(t)
	assert.Equal(t, mumbleproto.TypeUDPTunnel, f.Type)

	// An older echo never rewinds liveness.
	c.MarkDatagramAlive(c.now().UnixMilli())
	c.MarkDatagramAlive(c.now().Add(-time.Minute).UnixMilli())
	assert.True(t, c.DatagramAlive())
}

func TestPingThresholdCoversLongerIntervals(t *testing.T) {
	c, _ := startTestConnection(t, newRecordingHandler(), true)
	c.cfg.PingThreshold = 10*time.Second + PingReplyWindow

	now := time.UnixMilli(1_700_000_000_000)
	c.now = func() time.Time { return now }

	c.MarkDatagramAlive(now.UnixMilli())
	now = now.Add(10 * time.Second)
	assert.True(t, c.DatagramAlive(), "an echo one interval old is still fresh")
	now = now.Add(PingReplyWindow)
	assert.False(t, c.DatagramAlive())
}

func TestSendPingCarriesCountersAndDatagramPing(t *testing.T) {
	h := newRecordingHandler()
	c, srv := startTestConnection(t, h, true)
	c.now = func() time.Time { return time.UnixMilli(1234567) }

	require.NoError(t, c.SendPing())

	f := srv.nextFrame(t)
	require.Equal(t, mumbleproto.TypePing, f.Type)
	m, err := mumbleproto.Unmarshal(f.Type, f.Payload)
	require.NoError(t, err)
	ping := m.(*mumbleproto.Ping)
	require.NotNil(t, ping.Timestamp)
	assert.EqualValues(t, 1234567, *ping.Timestamp)
	require.NotNil(t, ping.Good)

	got, _ := srv.readDatagram(t)
	assert.Equal(t, PingDatagram(1234567), got)
	assert.Equal(t, byte(0x20), got[0])
}

func TestPingDatagramLayout(t *testing.T) {
	assert.Equal(t, []byte{0x20, 0, 0, 0, 0, 0, 0, 0x01, 0x02}, PingDatagram(0x0102))
}

func TestTunneledDatagramIsDeliveredRaw(t *testing.T) {
	h := newRecordingHandler()
	_, srv := startTestConnection(t, h, false)

	pkt := []byte{mumbleproto.UDPVoiceOpus << 5, 0x05, 0x00}
	srv.write(t, &mumbleproto.UDPTunnel{Packet: pkt})

	select {
	case d := <-h.datagrams:
		assert.True(t, d.tunneled)
		assert.Equal(t, pkt, d.pkt)
	case <-time.After(2 * time.Second):
		t.Fatal("tunneled datagram not delivered")
	}
}

func TestReceivedDatagramIsDecrypted(t *testing.T) {
	h := newRecordingHandler()
	c, srv := startTestConnection(t, h, true)

	// Learn the client's UDP address.
	require.NoError(t, c.SendDatagram([]byte{0x20, 1}))
	_, from := srv.readDatagram(t)

	enc, err := srv.crypt.Encrypt([]byte{0x80, 0x07, 0x01})
	require.NoError(t, err)
	_, err = srv.udp.WriteToUDP(enc, from)
	require.NoError(t, err)

	select {
	case d := <-h.datagrams:
		assert.False(t, d.tunneled)
		assert.Equal(t, []byte{0x80, 0x07, 0x01}, d.pkt)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not delivered")
	}
	assert.EqualValues(t, 1, c.Stats().UDPReceived)
}

func TestUnknownMessageTypeIsSkipped(t *testing.T) {
	h := newRecordingHandler()
	_, srv := startTestConnection(t, h, false)

	junk := mumbleproto.Frame{Type: mumbleproto.MessageType(200), Payload: []byte{1, 2, 3}}
	require.NoError(t, mumbleproto.WriteFrame(srv.ctrl, junk, mumbleproto.DefaultLimits()))
	srv.write(t, &mumbleproto.Ping{Timestamp: proto.Uint64(7)})

	select {
	case m := <-h.msgs:
		ping, ok := m.(*mumbleproto.Ping)
		require.True(t, ok, "got %T", m)
		assert.EqualValues(t, 7, *ping.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("ping after unknown frame not delivered")
	}
}

func TestHandlerErrorTearsDownConnection(t *testing.T) {
	boom := errors.New("boom")
	h := newRecordingHandler()
	h.fail = func(m mumbleproto.Message) error {
		if _, ok := m.(*mumbleproto.ServerSync); ok {
			return boom
		}
		return nil
	}
	c, srv := startTestConnection(t, h, false)

	gotErr := make(chan error, 2)
	c.SetOnDisconnected(func(err error) { gotErr <- err })

	srv.write(t, &mumbleproto.ServerSync{Session: proto.Uint32(1)})

	select {
	case err := <-gotErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, c.SendMessage(&mumbleproto.Ping{}), ErrClosed)

	c.Disconnect()
	assert.Len(t, gotErr, 0)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newRecordingHandler()
	c, _ := startTestConnection(t, h, true)

	var calls []error
	var mu sync.Mutex
	c.SetOnDisconnected(func(err error) {
		mu.Lock()
		calls = append(calls, err)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.NoError(t, calls[0])
	assert.False(t, c.ctrlReader.Running())
	assert.False(t, c.udpReader.Running())
}

func TestSendDatagramWithoutUDP(t *testing.T) {
	h := newRecordingHandler()
	c, srv := startTestConnection(t, h, false)

	assert.ErrorIs(t, c.SendDatagram([]byte{0x20}), ErrNoDatagramPath)

	// Voice still flows through the tunnel.
	require.NoError(t, c.SendVoice([]byte{0x80}))
	assert.Equal(t, mumbleproto.TypeUDPTunnel, srv.nextFrame(t).Type)
}

func TestCryptKeysInstallOnce(t *testing.T) {
	c := New(DefaultConfig(), newRecordingHandler())
	require.NoError(t, c.SetCryptKeys(testKey, testClientNonce, testServerNonce))
	assert.ErrorIs(t, c.SetCryptKeys(testKey, testClientNonce, testServerNonce), cryptstate.ErrKeysAlreadySet)
	assert.Equal(t, testClientNonce, c.ClientNonce())
	require.NoError(t, c.SetServerNonce(testClientNonce))
	assert.EqualValues(t, 1, c.Stats().Crypt.Resync)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)
	}
}

func TestTLSConfigServerName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "voice.example.net:64738"
	tc, err := cfg.tlsConfig()
	require.NoError(t, err)
	assert.Equal(t, "voice.example.net", tc.ServerName)

	cert, err := tc.GetClientCertificate(nil)
	require.NoError(t, err)
	assert.Empty(t, cert.Certificate)

	cfg.ServerName = "override"
	tc, err = cfg.tlsConfig()
	require.NoError(t, err)
	assert.Equal(t, "override", tc.ServerName)

	assert.True(t, IsWebSocket("wss://host/mumble"))
	assert.False(t, IsWebSocket("host:64738"))
}
