//go:build windows

package rstore

import (
	"github.com/billgraziano/dpapi"
)

// encryptValue protects data for the current Windows user with DPAPI.
func encryptValue(plaintext []byte) ([]byte, error) {
	return dpapi.EncryptBytes(plaintext)
}

func decryptValue(ciphertext []byte) ([]byte, error) {
	return dpapi.DecryptBytes(ciphertext)
}
