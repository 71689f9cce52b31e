package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"mumbleclient/internal/identity"
	"mumbleclient/internal/mumbleproto"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Config describes one connection attempt.
type Config struct {
	// Addr is host:port for TLS over TCP plus UDP, or a ws:// or wss:// URL
	// for a WebSocket-bridged control stream (voice is then always tunneled).
	Addr     string
	Username string
	Password string
	Tokens   []string

	// Identity supplies the client certificate. It is consulted during the
	// handshake and never blocks; nil or an empty source connects without one.
	Identity identity.Source

	InsecureSkipVerify bool
	ServerName         string
	CAFile             string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// PingThreshold is how recent the last echoed datagram ping must be for
	// voice to go over UDP.
	PingThreshold time.Duration
	DisableUDP    bool
	UDPRestart    BackoffConfig

	Limits mumbleproto.Limits

	Release      string
	OS           string
	OSVersion    string
	CELTVersions []int32
	Opus         bool
}

// PingReplyWindow is how long a datagram ping echo may take on top of the
// ping interval before the UDP path counts as dead.
const PingReplyWindow = time.Second

// DefaultConfig returns defaults matching a stock server's timing.
func DefaultConfig() Config {
	return Config{
		// Servers almost always present self-signed certificates.
		InsecureSkipVerify: true,
		ConnectTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
		PingThreshold:      6 * time.Second,
		UDPRestart: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits:       mumbleproto.DefaultLimits(),
		Release:      "mumbleclient",
		OS:           "Go",
		CELTVersions: []int32{mumbleproto.CELTVersion},
		Opus:         true,
	}
}

// IsWebSocket reports whether addr selects the WebSocket control path.
func IsWebSocket(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

func (c Config) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // servers use self-signed certificates
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" && !IsWebSocket(c.Addr) {
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	src := c.Identity
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if src != nil {
			if cert, ok := src.Certificate(); ok {
				return cert, nil
			}
		}
		// An empty certificate tells the server we have none.
		return &tls.Certificate{}, nil
	}
	return cfg, nil
}
