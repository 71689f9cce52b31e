// Package transport owns the sockets of one server connection: the TLS
// control stream carrying framed protobuf messages and the UDP socket
// carrying encrypted voice datagrams. Voice falls back to tunneling through
// the control stream whenever the datagram path has not echoed a ping
// recently enough.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"mumbleclient/internal/cryptstate"
	"mumbleclient/internal/mumbleproto"
	"mumbleclient/internal/sockreader"
)

// maxDatagram bounds a received UDP packet; stock servers cap voice
// packets at 1020 bytes.
const maxDatagram = 2048

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrNoDatagramPath = errors.New("transport: datagram path disabled")
)

// Handler receives everything read from the server. Methods are called from
// the reader goroutines and must not call Disconnect synchronously; a
// HandleMessage error tears the connection down instead.
type Handler interface {
	// HandleMessage receives one decoded control message.
	HandleMessage(m mumbleproto.Message) error
	// HandleDatagram receives a decrypted UDP packet or the payload of a
	// UDPTunnel message.
	HandleDatagram(pkt []byte, tunneled bool)
	// CryptResyncNeeded is called when datagrams keep failing to decrypt.
	CryptResyncNeeded()
}

// Connection is a live server connection. Create with New, register
// callbacks, then Connect.
type Connection struct {
	cfg Config
	h   Handler
	log zerolog.Logger
	now func() time.Time
	rng *rand.Rand

	ctrl   ctrlConn
	ctrlMu sync.Mutex // serialises control writes

	udp *net.UDPConn

	// Crypto is serialised per direction.
	crypt *cryptstate.State
	encMu sync.Mutex
	decMu sync.Mutex

	// lastPingAck is the echoed send time (Unix ms) of the newest datagram
	// ping reply; 0 means the datagram path has never answered.
	lastPingAck atomic.Int64

	udpSent atomic.Uint32
	udpRecv atomic.Uint32
	tcpSent atomic.Uint32
	tcpRecv atomic.Uint32

	ctrlReader *sockreader.Reader
	udpReader  *sockreader.Reader
	udpAttempt int // consecutive UDP reader failures; touched only by its monitor

	// mu guards connected/closed against the UDP restart path.
	mu        sync.Mutex
	connected bool
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	cbMu           sync.RWMutex
	onDisconnected func(err error)
}

// New creates an unconnected Connection.
func New(cfg Config, h Handler) *Connection {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = mumbleproto.DefaultLimits()
	}
	if cfg.PingThreshold <= 0 {
		cfg.PingThreshold = 6 * time.Second
	}
	return &Connection{
		cfg:   cfg,
		h:     h,
		log:   log.With().Str("component", "transport").Str("addr", cfg.Addr).Logger(),
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		crypt: cryptstate.New(),
		done:  make(chan struct{}),
	}
}

// SetOnDisconnected registers the teardown callback. It fires exactly once
// per Connection: with nil after Disconnect, otherwise with the error that
// ended the control stream. It runs on whichever goroutine tore the
// connection down and must not block on the caller of Disconnect.
func (c *Connection) SetOnDisconnected(fn func(err error)) {
	c.cbMu.Lock()
	c.onDisconnected = fn
	c.cbMu.Unlock()
}

// Dial creates a Connection and connects it. onDisconnected may be nil.
func Dial(ctx context.Context, cfg Config, h Handler, onDisconnected func(error)) (*Connection, error) {
	c := New(cfg, h)
	c.SetOnDisconnected(onDisconnected)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the server, performs the TLS handshake, opens the UDP
// socket and sends Version and Authenticate.
func (c *Connection) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	tlsCfg, err := c.cfg.tlsConfig()
	if err != nil {
		return err
	}

	var (
		ctrl ctrlConn
		udp  *net.UDPConn
	)
	if IsWebSocket(c.cfg.Addr) {
		d := websocket.Dialer{
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: c.cfg.ConnectTimeout,
			Subprotocols:     []string{"binary"},
		}
		ws, _, err := d.DialContext(dialCtx, c.cfg.Addr, nil)
		if err != nil {
			return fmt.Errorf("transport: dial %s: %w", c.cfg.Addr, err)
		}
		ctrl = &wsConn{ws: ws}
	} else {
		dialer := net.Dialer{}
		raw, err := dialer.DialContext(dialCtx, "tcp", c.cfg.Addr)
		if err != nil {
			return fmt.Errorf("transport: dial %s: %w", c.cfg.Addr, err)
		}
		conn := tls.Client(raw, tlsCfg)
		if err := conn.HandshakeContext(dialCtx); err != nil {
			_ = raw.Close()
			return fmt.Errorf("transport: tls handshake: %w", err)
		}
		ctrl = conn

		if !c.cfg.DisableUDP {
			// Use the resolved TCP peer so both paths reach the same host.
			uc, err := dialer.DialContext(dialCtx, "udp", raw.RemoteAddr().String())
			if err != nil {
				c.log.Warn().Err(err).Msg("udp unavailable, voice will be tunneled")
			} else {
				udp = uc.(*net.UDPConn)
			}
		}
	}

	if err := c.start(ctrl, udp); err != nil {
		return err
	}

	if err := c.handshake(); err != nil {
		c.shutdown(err)
		return err
	}
	c.log.Info().Bool("udp", udp != nil).Msg("connected")
	return nil
}

// start installs the sockets and launches the readers.
func (c *Connection) start(ctrl ctrlConn, udp *net.UDPConn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctrl = ctrl
	c.udp = udp
	c.connected = true
	c.mu.Unlock()

	c.ctrlReader = sockreader.New("control", c.readControl,
		sockreader.WithInterrupter(ctrl),
		sockreader.WithMonitor(c.onControlExit),
		sockreader.WithLogger(c.log))
	if udp != nil {
		c.udpReader = sockreader.New("udp", c.readDatagram,
			sockreader.WithInterrupter(udp),
			sockreader.WithMonitor(c.onDatagramExit),
			sockreader.WithLogger(c.log))
		if err := c.udpReader.Start(); err != nil {
			return err
		}
	}
	return c.ctrlReader.Start()
}

func (c *Connection) handshake() error {
	err := c.SendMessage(&mumbleproto.Version{
		Version:   proto.Uint32(mumbleproto.ProtocolVersion),
		Release:   proto.String(c.cfg.Release),
		OS:        proto.String(c.cfg.OS),
		OSVersion: proto.String(c.cfg.OSVersion),
	})
	if err != nil {
		return fmt.Errorf("transport: send version: %w", err)
	}
	err = c.SendMessage(&mumbleproto.Authenticate{
		Username:     proto.String(c.cfg.Username),
		Password:     proto.String(c.cfg.Password),
		Tokens:       c.cfg.Tokens,
		CELTVersions: c.cfg.CELTVersions,
		Opus:         proto.Bool(c.cfg.Opus),
	})
	if err != nil {
		return fmt.Errorf("transport: send authenticate: %w", err)
	}
	return nil
}

// Disconnect tears the connection down. It is idempotent and safe from any
// goroutine other than a Handler callback.
func (c *Connection) Disconnect() { c.shutdown(nil) }

// Done is closed once teardown has started.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ctrl, udp := c.ctrl, c.udp
		c.mu.Unlock()
		close(c.done)

		if c.ctrlReader != nil {
			c.ctrlReader.Stop()
		}
		if c.udpReader != nil {
			c.udpReader.Stop()
		}
		if ctrl != nil {
			_ = ctrl.Close()
		}
		if udp != nil {
			_ = udp.Close()
		}

		if cause != nil {
			c.log.Warn().Err(cause).Msg("connection lost")
		} else {
			c.log.Info().Msg("disconnected")
		}

		c.cbMu.RLock()
		fn := c.onDisconnected
		c.cbMu.RUnlock()
		if fn != nil {
			fn(cause)
		}
	})
}

// --- control stream ---

// SendMessage frames and writes one control message.
func (c *Connection) SendMessage(m mumbleproto.Message) error {
	return c.writeFrame(mumbleproto.Encode(m))
}

func (c *Connection) writeFrame(f mumbleproto.Frame) error {
	c.mu.Lock()
	ctrl, closed := c.ctrl, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ctrl == nil {
		return ErrNotConnected
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = ctrl.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}
	if err := mumbleproto.WriteFrame(ctrl, f, c.cfg.Limits); err != nil {
		return fmt.Errorf("transport: write %s: %w", f.Type, err)
	}
	c.tcpSent.Add(1)
	return nil
}

// readControl is the control reader's step: one frame per call.
func (c *Connection) readControl(ctx context.Context) error {
	f, err := mumbleproto.ReadFrame(c.ctrl, c.cfg.Limits)
	if err != nil {
		return err
	}
	c.tcpRecv.Add(1)

	if f.Type == mumbleproto.TypeUDPTunnel {
		c.h.HandleDatagram(f.Payload, true)
		return nil
	}

	m, err := mumbleproto.Unmarshal(f.Type, f.Payload)
	if err != nil {
		c.log.Warn().Err(err).Stringer("type", f.Type).Msg("skipping control message")
		return nil
	}
	if err := c.h.HandleMessage(m); err != nil {
		return fmt.Errorf("transport: handle %s: %w", f.Type, err)
	}
	return nil
}

func (c *Connection) onControlExit(e sockreader.Exit) {
	if e.Err == nil {
		return
	}
	c.shutdown(e.Err)
}

// --- datagram path ---

func (c *Connection) readDatagram(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	n, err := c.udp.Read(buf)
	if err != nil {
		return err
	}

	c.decMu.Lock()
	plain, err := c.crypt.Decrypt(buf[:n])
	resync := err != nil && c.crypt.IsValid() && c.crypt.NeedsResync()
	c.decMu.Unlock()

	if err != nil {
		if resync {
			c.log.Debug().Msg("datagrams failing to decrypt, requesting nonce resync")
			c.h.CryptResyncNeeded()
		}
		return nil
	}
	c.udpAttempt = 0
	c.udpRecv.Add(1)
	c.h.HandleDatagram(plain, false)
	return nil
}

// onDatagramExit restarts a failed UDP reader with backoff. The path is
// considered dead until a fresh ping is echoed.
func (c *Connection) onDatagramExit(e sockreader.Exit) {
	if e.Err == nil {
		return
	}
	c.lastPingAck.Store(0)
	c.udpAttempt++
	delay := NextBackoffDelay(c.cfg.UDPRestart, c.udpAttempt, c.rng)
	c.log.Warn().Err(e.Err).Dur("retry_in", delay).Msg("udp reader failed, voice tunneled")

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.udpReader.Start(); err != nil {
		c.log.Error().Err(err).Msg("udp reader restart failed")
	}
}

// SendVoice sends an unencrypted voice packet over UDP while the datagram
// path is live, otherwise tunneled through the control stream.
func (c *Connection) SendVoice(pkt []byte) error {
	if c.udp != nil && c.DatagramAlive() {
		return c.SendDatagram(pkt)
	}
	return c.writeFrame(mumbleproto.Frame{Type: mumbleproto.TypeUDPTunnel, Payload: pkt})
}

// SendDatagram encrypts pkt and sends it over UDP regardless of liveness.
func (c *Connection) SendDatagram(pkt []byte) error {
	if c.udp == nil {
		return ErrNoDatagramPath
	}
	c.encMu.Lock()
	enc, err := c.crypt.Encrypt(pkt)
	c.encMu.Unlock()
	if err != nil {
		return err
	}
	if _, err := c.udp.Write(enc); err != nil {
		return fmt.Errorf("transport: udp write: %w", err)
	}
	c.udpSent.Add(1)
	return nil
}

// MarkDatagramAlive records the echoed send timestamp of a datagram ping.
func (c *Connection) MarkDatagramAlive(sentMS int64) {
	for {
		cur := c.lastPingAck.Load()
		if sentMS <= cur || c.lastPingAck.CompareAndSwap(cur, sentMS) {
			return
		}
	}
}

// DatagramAlive reports whether a datagram ping sent within the threshold
// has been echoed.
func (c *Connection) DatagramAlive() bool {
	ack := c.lastPingAck.Load()
	if ack == 0 {
		return false
	}
	return c.now().UnixMilli()-ack < c.cfg.PingThreshold.Milliseconds()
}

// HasDatagramPath reports whether a UDP socket exists at all.
func (c *Connection) HasDatagramPath() bool { return c.udp != nil }

// SendPing sends a control Ping carrying the crypto counters and, when the
// datagram path is keyed, a datagram ping for liveness.
func (c *Connection) SendPing() error {
	ts := uint64(c.now().UnixMilli())
	st := c.crypt.Stats()
	err := c.SendMessage(&mumbleproto.Ping{
		Timestamp:  proto.Uint64(ts),
		Good:       proto.Uint32(st.Good),
		Late:       proto.Uint32(st.Late),
		Lost:       proto.Uint32(st.Lost),
		Resync:     proto.Uint32(st.Resync),
		UDPPackets: proto.Uint32(c.udpRecv.Load()),
		TCPPackets: proto.Uint32(c.tcpRecv.Load()),
	})
	if err != nil {
		return err
	}

	if c.udp != nil && c.crypt.IsValid() {
		if err := c.SendDatagram(PingDatagram(ts)); err != nil {
			c.log.Debug().Err(err).Msg("datagram ping failed")
		}
	}
	return nil
}

// PingDatagram builds [type=ping][8-byte big-endian timestamp].
func PingDatagram(ts uint64) []byte {
	pkt := make([]byte, 9)
	pkt[0] = mumbleproto.UDPPing << 5
	binary.BigEndian.PutUint64(pkt[1:], ts)
	return pkt
}

// --- crypto setup ---

// SetCryptKeys installs the full key set. A second call fails with
// cryptstate.ErrKeysAlreadySet.
func (c *Connection) SetCryptKeys(key, clientNonce, serverNonce []byte) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	c.decMu.Lock()
	defer c.decMu.Unlock()
	return c.crypt.SetKeys(key, clientNonce, serverNonce)
}

// SetServerNonce resynchronises the receive nonce.
func (c *Connection) SetServerNonce(nonce []byte) error {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	return c.crypt.SetServerNonce(nonce)
}

// ClientNonce returns the current send nonce.
func (c *Connection) ClientNonce() []byte {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.crypt.ClientNonce()
}

// Stats is a snapshot of packet counters.
type Stats struct {
	Crypt         cryptstate.Stats
	UDPSent       uint32
	UDPReceived   uint32
	TCPSent       uint32
	TCPReceived   uint32
	DatagramAlive bool
}

// Stats returns packet and crypto counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Crypt:         c.crypt.Stats(),
		UDPSent:       c.udpSent.Load(),
		UDPReceived:   c.udpRecv.Load(),
		TCPSent:       c.tcpSent.Load(),
		TCPReceived:   c.tcpRecv.Load(),
		DatagramAlive: c.DatagramAlive(),
	}
}
