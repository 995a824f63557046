//go:build !windows

package rstore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Embedded key for the artifact file. This is obfuscation, not a secret:
// anyone with the binary can extract it. It keeps the salt and mode flag
// out of plain view.
var embeddedKey = [32]byte{
	0x4c, 0x91, 0x2e, 0xd7, 0x08, 0xb3, 0x6a, 0xf5,
	0x33, 0xce, 0x71, 0x1a, 0x9d, 0x54, 0xe2, 0x87,
	0xbb, 0x06, 0x68, 0xf9, 0x25, 0xa0, 0x5e, 0xc4,
	0x12, 0x7f, 0xd8, 0x49, 0x93, 0x3b, 0xe6, 0x0d,
}

// encryptValue returns nonce (24 bytes) + secretbox ciphertext.
func encryptValue(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &embeddedKey), nil
}

func decryptValue(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &embeddedKey)
	if !ok {
		return nil, fmt.Errorf("decrypt failed")
	}
	return plaintext, nil
}
