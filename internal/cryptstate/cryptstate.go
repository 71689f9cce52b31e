// Package cryptstate implements the OCB2-AES128 construction that protects
// voice datagrams, including the nonce window that detects replayed, late and
// lost packets.
//
// A State is not safe for concurrent use across directions: the owner must
// serialize Encrypt/ClientNonce (send side) and Decrypt/SetServerNonce
// (receive side) separately. Counters may be read at any time via Stats.
package cryptstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// KeySize is the length of the key and of both nonces.
	KeySize = 16

	// HeaderSize is the on-wire overhead: one nonce byte plus a 3-byte tag.
	HeaderSize = 4

	// lateWindow bounds how far behind the receive nonce a packet may be.
	lateWindow = 30

	// resyncInterval is how long decryption must have been failing before a
	// nonce resync is requested, and the minimum gap between requests.
	resyncInterval = 5 * time.Second
)

var (
	ErrKeysAlreadySet = errors.New("cryptstate: keys already installed for this connection")
	ErrInvalidKey     = errors.New("cryptstate: key and nonces must be 16 bytes")
	ErrNotReady       = errors.New("cryptstate: keys not installed")
	ErrDecryptFailed  = errors.New("cryptstate: datagram rejected")
)

// Stats are the counters reported to the server in control pings.
type Stats struct {
	Good   uint32
	Late   uint32
	Lost   uint32
	Resync uint32
}

// State holds the key and the two nonce counters for one connection.
type State struct {
	block cipher.Block
	valid atomic.Bool

	encryptIV      [KeySize]byte
	decryptIV      [KeySize]byte
	decryptHistory [256]byte

	good   atomic.Uint32
	late   atomic.Uint32
	lost   atomic.Int64
	resync atomic.Uint32

	lastGood    time.Time
	lastRequest time.Time

	now func() time.Time
}

// New returns an empty State. Encrypt and Decrypt fail until SetKeys.
func New() *State {
	return &State{now: time.Now}
}

// IsValid reports whether keys have been installed.
func (s *State) IsValid() bool { return s.valid.Load() }

// SetKeys installs the key and both nonces. It may only succeed once; later
// calls leave the state untouched and return ErrKeysAlreadySet.
func (s *State) SetKeys(key, clientNonce, serverNonce []byte) error {
	if s.valid.Load() {
		return ErrKeysAlreadySet
	}
	if len(key) != KeySize || len(clientNonce) != KeySize || len(serverNonce) != KeySize {
		return ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cryptstate: %w", err)
	}
	s.block = block
	copy(s.encryptIV[:], clientNonce)
	copy(s.decryptIV[:], serverNonce)
	s.decryptHistory = [256]byte{}
	s.lastGood = s.now()
	s.valid.Store(true)
	return nil
}

// SetServerNonce replaces the receive nonce after the server reports that it
// lost synchronization. The key is never changed.
func (s *State) SetServerNonce(nonce []byte) error {
	if len(nonce) != KeySize {
		return ErrInvalidKey
	}
	copy(s.decryptIV[:], nonce)
	s.resync.Add(1)
	return nil
}

// ClientNonce returns a copy of the current send nonce.
func (s *State) ClientNonce() []byte {
	out := make([]byte, KeySize)
	copy(out, s.encryptIV[:])
	return out
}

// Stats returns a snapshot of the receive counters.
func (s *State) Stats() Stats {
	lost := s.lost.Load()
	if lost < 0 {
		lost = 0
	}
	return Stats{
		Good:   s.good.Load(),
		Late:   s.late.Load(),
		Lost:   uint32(lost),
		Resync: s.resync.Load(),
	}
}

// Encrypt advances the send nonce and returns [nonce0][tag0..2][ciphertext].
func (s *State) Encrypt(plain []byte) ([]byte, error) {
	if !s.valid.Load() {
		return nil, ErrNotReady
	}
	for i := range s.encryptIV {
		s.encryptIV[i]++
		if s.encryptIV[i] != 0 {
			break
		}
	}

	out := make([]byte, HeaderSize+len(plain))
	tag := ocbEncrypt(s.block, out[HeaderSize:], plain, &s.encryptIV)
	out[0] = s.encryptIV[0]
	copy(out[1:HeaderSize], tag[:3])
	return out, nil
}

// Decrypt authenticates and decrypts one datagram. Any failure, including a
// replay or a nonce outside the window, returns ErrDecryptFailed and leaves
// the receive nonce as it was.
func (s *State) Decrypt(src []byte) ([]byte, error) {
	if !s.valid.Load() {
		return nil, ErrNotReady
	}
	if len(src) < HeaderSize {
		return nil, ErrDecryptFailed
	}

	saved := s.decryptIV
	ivbyte := src[0]
	restore := false
	var late, lost int64

	if s.decryptIV[0]+1 == ivbyte {
		// In order.
		if ivbyte > s.decryptIV[0] {
			s.decryptIV[0] = ivbyte
		} else if ivbyte < s.decryptIV[0] {
			s.decryptIV[0] = ivbyte
			s.carry()
		} else {
			return nil, ErrDecryptFailed
		}
	} else {
		diff := int(ivbyte) - int(s.decryptIV[0])
		if diff > 128 {
			diff -= 256
		} else if diff < -128 {
			diff += 256
		}

		switch {
		case ivbyte < s.decryptIV[0] && diff > -lateWindow && diff < 0:
			// Late packet in the current round.
			late, lost = 1, -1
			s.decryptIV[0] = ivbyte
			restore = true
		case ivbyte > s.decryptIV[0] && diff > -lateWindow && diff < 0:
			// Late packet from the previous round.
			late, lost = 1, -1
			s.decryptIV[0] = ivbyte
			s.borrow()
			restore = true
		case ivbyte > s.decryptIV[0] && diff > 0:
			lost = int64(ivbyte) - int64(s.decryptIV[0]) - 1
			s.decryptIV[0] = ivbyte
		case ivbyte < s.decryptIV[0] && diff > 0:
			lost = 256 - int64(s.decryptIV[0]) + int64(ivbyte) - 1
			s.decryptIV[0] = ivbyte
			s.carry()
		default:
			s.decryptIV = saved
			return nil, ErrDecryptFailed
		}

		if s.decryptHistory[s.decryptIV[0]] == s.decryptIV[1] {
			s.decryptIV = saved
			return nil, ErrDecryptFailed
		}
	}

	plain := make([]byte, len(src)-HeaderSize)
	tag := ocbDecrypt(s.block, plain, src[HeaderSize:], &s.decryptIV)
	if subtle.ConstantTimeCompare(tag[:3], src[1:HeaderSize]) != 1 {
		s.decryptIV = saved
		return nil, ErrDecryptFailed
	}

	s.decryptHistory[s.decryptIV[0]] = s.decryptIV[1]
	if restore {
		s.decryptIV = saved
	}

	s.good.Add(1)
	s.late.Add(uint32(late))
	s.lost.Add(lost)
	s.lastGood = s.now()
	return plain, nil
}

// NeedsResync reports whether a nonce resync should be requested after a
// failed decrypt: nothing has decrypted for resyncInterval and no request was
// made within the same interval. A true result records the request time.
func (s *State) NeedsResync() bool {
	now := s.now()
	if now.Sub(s.lastGood) <= resyncInterval || now.Sub(s.lastRequest) <= resyncInterval {
		return false
	}
	s.lastRequest = now
	return true
}

func (s *State) carry() {
	for i := 1; i < KeySize; i++ {
		s.decryptIV[i]++
		if s.decryptIV[i] != 0 {
			break
		}
	}
}

func (s *State) borrow() {
	for i := 1; i < KeySize; i++ {
		s.decryptIV[i]--
		if s.decryptIV[i] != 0xFF {
			break
		}
	}
}
