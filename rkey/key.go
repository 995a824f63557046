// Package rkey derives the 256-bit keys that protect stored credentials.
//
// Both protection modes share one derivation path: a master password and
// the installation seed are each stretched with PBKDF2-HMAC-SHA256 over a
// random salt. The returned Key owns its bytes and must be wiped when no
// longer needed.
package rkey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize  = 32
	SaltSize = 32

	// MinSaltSize is the shortest salt Derive accepts.
	MinSaltSize = 16

	MinIterations     = 100_000
	DefaultIterations = 600_000
)

var (
	ErrWeakParams = errors.New("rkey: iteration count below minimum")
	ErrShortSalt  = errors.New("rkey: salt too short")
	ErrWiped      = errors.New("rkey: key material wiped")
)

// defaultPrefix separates seed-derived keys from password-derived keys.
const defaultPrefix = "rdpcred/default\x00"

// Params tunes the derivation cost.
type Params struct {
	Iterations int
}

// DefaultParams returns the recommended derivation cost.
func DefaultParams() Params {
	return Params{Iterations: DefaultIterations}
}

// Validate reports whether p is strong enough to use.
func (p Params) Validate() error {
	if p.Iterations < MinIterations {
		return fmt.Errorf("%w: %d < %d", ErrWeakParams, p.Iterations, MinIterations)
	}
	return nil
}

// Key is derived key material. The zero value is not usable.
type Key struct {
	b      *[KeySize]byte
	locked bool
}

func newKey() *Key {
	k := &Key{b: new([KeySize]byte)}
	k.locked = lockMemory(k.b[:])
	return k
}

// Bytes returns the key bytes. The slice aliases the key and is zeroed by Wipe.
func (k *Key) Bytes() ([]byte, error) {
	if k == nil || k.b == nil {
		return nil, ErrWiped
	}
	return k.b[:], nil
}

// Equal compares two keys in constant time.
func (k *Key) Equal(o *Key) bool {
	if k == nil || o == nil || k.b == nil || o.b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.b[:], o.b[:]) == 1
}

// Wipe zeroes the key. It is safe to call more than once.
func (k *Key) Wipe() {
	if k == nil || k.b == nil {
		return
	}
	Zero(k.b[:])
	if k.locked {
		unlockMemory(k.b[:])
		k.locked = false
	}
	k.b = nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rkey: generate salt: %w", err)
	}
	return salt, nil
}

// Derive stretches password over salt into a key.
func Derive(password, salt []byte, p Params) (*Key, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortSalt, len(salt))
	}
	dk := pbkdf2.Key(password, salt, p.Iterations, KeySize, sha256.New)
	k := newKey()
	copy(k.b[:], dk)
	Zero(dk)
	return k, nil
}

// DeriveDefault derives the installation key from seed.
func DeriveDefault(seed Seeder, salt []byte, p Params) (*Key, error) {
	if seed == nil {
		return nil, errors.New("rkey: no seed source")
	}
	raw, err := seed.Seed()
	if err != nil {
		return nil, fmt.Errorf("rkey: read seed: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("rkey: empty seed")
	}
	input := make([]byte, 0, len(defaultPrefix)+len(raw))
	input = append(input, defaultPrefix...)
	input = append(input, raw...)
	Zero(raw)
	defer Zero(input)
	return Derive(input, salt, p)
}
