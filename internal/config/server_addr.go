package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultServerPort is the stock server's TCP and UDP port.
const DefaultServerPort = "64738"

// Link is a parsed mumble:// URL.
type Link struct {
	Addr     string
	Username string
	Password string
	// Channel is the channel path below the root, outermost first.
	Channel []string
}

// ParseLink accepts anything NormalizeServerAddr does and additionally
// extracts credentials and a channel path from mumble:// links.
func ParseLink(raw string) (Link, error) {
	addr, err := NormalizeServerAddr(raw)
	if err != nil {
		return Link{}, err
	}
	l := Link{Addr: addr}

	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "mumble://") {
		return l, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Link{}, fmt.Errorf("invalid server address: %w", err)
	}
	if u.User != nil {
		l.Username = u.User.Username()
		l.Password, _ = u.User.Password()
	}
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			l.Channel = append(l.Channel, part)
		}
	}
	return l, nil
}

// NormalizeServerAddr accepts host, host:port, IPv6, mumble:// links and
// returns a canonical host:port for transport dialing. ws:// and wss://
// URLs select the WebSocket bridge and are returned unchanged apart from
// surrounding whitespace.
func NormalizeServerAddr(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("server address is required")
	}

	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("invalid server address: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid server address: missing host")
		}
		return s, nil
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("invalid server address: %w", err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid server address: missing host")
		}
		s = u.Host
	} else if i := strings.LastIndexByte(s, '@'); i >= 0 {
		// user@host shorthand.
		s = s[i+1:]
	}

	// Ignore accidental trailing slashes/paths in manual input.
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("invalid server address: missing host")
	}

	host := s
	port := DefaultServerPort

	if h, p, err := net.SplitHostPort(s); err == nil {
		host = h
		port = p
	} else {
		// Raw IPv6 (without brackets): treat as host-only.
		if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ":") {
			host = s
		} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
		} else if strings.Contains(s, ":") {
			// Looks like host:port but split failed.
			return "", fmt.Errorf("invalid server address: %q", raw)
		}
	}

	if host == "" {
		return "", fmt.Errorf("invalid server address: missing host")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid server port: %q", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
