// Package identity provisions the long-lived client certificate presented
// during the TLS handshake. Certificates are kept in a PKCS#12 file; when
// none exists one is generated in the background so that the first
// connection attempt never waits on key generation.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	// DefaultCommonName is the subject used for generated certificates.
	DefaultCommonName = "Mumble Go Client"

	validity = 20 * 365 * 24 * time.Hour
	keyBits  = 2048
)

var ErrNotReady = errors.New("identity: certificate not available yet")

// Source supplies the client certificate, if one is available yet.
type Source interface {
	Certificate() (*tls.Certificate, bool)
}

// Store is a Source backed by a PKCS#12 file.
type Store struct {
	path     string
	password string
	log      zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
	err  error

	ready chan struct{}
}

// Open loads the PKCS#12 file at path. If the file does not exist a new
// self-signed certificate is generated and saved in the background; use
// Ready or Wait to observe completion. Other read or decode failures are
// returned immediately.
func Open(path, password, commonName string) (*Store, error) {
	s := &Store{
		path:     path,
		password: password,
		log:      log.With().Str("component", "identity").Logger(),
		ready:    make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cert, err := Decode(data, password)
		if err != nil {
			return nil, err
		}
		s.cert = cert
		close(s.ready)
		s.log.Debug().Str("path", path).Msg("loaded certificate")
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		s.log.Info().Str("path", path).Msg("no certificate found, generating")
		go s.generate(commonName)
		return s, nil
	default:
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
}

// Static returns a Source that always yields cert. A nil cert means the
// client never presents one.
func Static(cert *tls.Certificate) Source { return staticSource{cert} }

type staticSource struct{ cert *tls.Certificate }

func (s staticSource) Certificate() (*tls.Certificate, bool) { return s.cert, s.cert != nil }

// Certificate returns the current certificate without blocking.
func (s *Store) Certificate() (*tls.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert, s.cert != nil
}

// Ready is closed once loading or generation has finished, successfully or not.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Wait blocks until the certificate is available or ctx ends.
func (s *Store) Wait(ctx context.Context) (*tls.Certificate, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if cert, ok := s.Certificate(); ok {
		return cert, nil
	}
	return nil, errors.Join(ErrNotReady, s.Err())
}

// Err returns the generation error, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) generate(commonName string) {
	defer close(s.ready)

	cert, pfx, err := Generate(commonName, s.password)
	if err == nil {
		err = writeFile(s.path, pfx)
	}

	s.mu.Lock()
	if err != nil {
		s.err = err
	} else {
		s.cert = cert
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("certificate generation failed")
		return
	}
	s.log.Info().Str("path", s.path).Msg("generated certificate")
}

// Generate creates a self-signed RSA client certificate and its PKCS#12
// encoding.
func Generate(commonName, password string) (*tls.Certificate, []byte, error) {
	if commonName == "" {
		commonName = DefaultCommonName
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate serial: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse certificate: %w", err)
	}

	pfx, err := pkcs12.Modern.Encode(key, leaf, nil, password)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: encode pkcs12: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, pfx, nil
}

// Decode parses a PKCS#12 container into a TLS certificate.
func Decode(pfx []byte, password string) (*tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("identity: decode pkcs12: %w", err)
	}
	c := &tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range chain {
		c.Certificate = append(c.Certificate, ca.Raw)
	}
	return c, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	return nil
}
