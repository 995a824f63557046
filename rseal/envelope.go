// Package rseal seals credential strings into self-describing text tokens.
//
// A token is the standard base64 encoding of a CBOR envelope holding the
// format version, nonce, ciphertext and authentication tag. Version 1 uses
// XChaCha20-Poly1305 with a random 24-byte nonce for every seal.
package rseal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kardianos/rdpcred/rkey"
)

// Version1 is XChaCha20-Poly1305 with the envelope header bound as associated data.
const Version1 uint8 = 1

// MaxTokenSize bounds the encoded token length accepted by Parse.
const MaxTokenSize = 64 << 10

var (
	ErrAuthenticationFailed = errors.New("rseal: authentication failed")
	ErrMalformedEnvelope    = errors.New("rseal: malformed envelope")
)

// Envelope is the persisted shape of one sealed secret.
type Envelope struct {
	Version    uint8  `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Tag        []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  16,
		MaxMapPairs:       16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func additionalData(version uint8) []byte {
	return []byte{'r', 'd', 'p', 'c', 'r', 'e', 'd', 0, version}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}

// Seal encrypts plaintext under key using a fresh nonce.
func Seal(plaintext string, key *rkey.Key) (Envelope, error) {
	kb, err := key.Bytes()
	if err != nil {
		return Envelope{}, err
	}
	aead, err := chacha20poly1305.NewX(kb)
	if err != nil {
		return Envelope{}, fmt.Errorf("rseal: cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("rseal: generate nonce: %w", err)
	}

	pt := []byte(plaintext)
	defer rkey.Zero(pt)
	sealed := aead.Seal(nil, nonce, pt, additionalData(Version1))
	n := len(sealed) - chacha20poly1305.Overhead
	return Envelope{
		Version:    Version1,
		Nonce:      nonce,
		Ciphertext: sealed[:n:n],
		Tag:        sealed[n:],
	}, nil
}

func (e Envelope) check() error {
	if e.Version != Version1 {
		return malformed("unknown version %d", e.Version)
	}
	if len(e.Nonce) != chacha20poly1305.NonceSizeX {
		return malformed("nonce length %d", len(e.Nonce))
	}
	if len(e.Tag) != chacha20poly1305.Overhead {
		return malformed("tag length %d", len(e.Tag))
	}
	return nil
}

// Open authenticates and decrypts e. No plaintext is returned on failure.
func Open(e Envelope, key *rkey.Key) (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	kb, err := key.Bytes()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(kb)
	if err != nil {
		return "", fmt.Errorf("rseal: cipher: %w", err)
	}
	sealed := make([]byte, 0, len(e.Ciphertext)+len(e.Tag))
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.Tag...)
	pt, err := aead.Open(sealed[:0], e.Nonce, sealed, additionalData(e.Version))
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	s := string(pt)
	rkey.Zero(pt)
	return s, nil
}

// Encode renders e as a text token.
func (e Envelope) Encode() (string, error) {
	if err := e.check(); err != nil {
		return "", err
	}
	raw, err := encMode.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("rseal: encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Parse decodes a text token produced by Encode.
func Parse(token string) (Envelope, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Envelope{}, malformed("empty token")
	}
	if len(token) > MaxTokenSize {
		return Envelope{}, malformed("token length %d exceeds %d", len(token), MaxTokenSize)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(token)
	if err != nil {
		return Envelope{}, malformed("base64: %v", err)
	}
	var e Envelope
	if err := decMode.Unmarshal(raw, &e); err != nil {
		return Envelope{}, malformed("cbor: %v", err)
	}
	if err := e.check(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// SealString seals plaintext and returns the encoded token.
func SealString(plaintext string, key *rkey.Key) (string, error) {
	e, err := Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return e.Encode()
}

// OpenString parses and opens a token.
func OpenString(token string, key *rkey.Key) (string, error) {
	e, err := Parse(token)
	if err != nil {
		return "", err
	}
	return Open(e, key)
}
