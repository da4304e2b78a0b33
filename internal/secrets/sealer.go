// Package secrets seals world-account passwords at rest.
package secrets

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("secrets: sealed value is corrupt or was sealed with another key")

// Sealer encrypts and authenticates small secrets with NaCl secretbox.
// The sealed form is the random nonce followed by the box.
type Sealer struct {
	key  [32]byte
	rand io.Reader
}

// NewSealer creates a Sealer for key.
func NewSealer(key [32]byte) *Sealer {
	return &Sealer{key: key, rand: rand.Reader}
}

// Seal encrypts plaintext under a fresh nonce.
//
// Postcondition: two Seal calls on the same plaintext return different output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// SealString is Seal for strings.
func (s *Sealer) SealString(plaintext string) ([]byte, error) {
	return s.Seal([]byte(plaintext))
}

// OpenString is Open returning a string.
func (s *Sealer) OpenString(sealed []byte) (string, error) {
	b, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
