package rdpcred

import (
	"errors"
	"fmt"

	"github.com/kardianos/rdpcred/rseal"
	"github.com/kardianos/rdpcred/rstore"
)

var (
	ErrEngineLocked          = errors.New("rdpcred: engine locked, master password required")
	ErrInvalidMasterPassword = errors.New("rdpcred: invalid master password")
	ErrInvalidState          = errors.New("rdpcred: operation not valid in current protection state")
	ErrEmptyPassword         = errors.New("rdpcred: password cannot be empty")
	ErrNoSecret              = errors.New("rdpcred: record has no saved password")
	ErrClosed                = errors.New("rdpcred: engine closed")

	ErrAuthenticationFailed = rseal.ErrAuthenticationFailed
	ErrMalformedEnvelope    = rseal.ErrMalformedEnvelope
	ErrRecordNotFound       = rstore.ErrNotFound
)

// MigrationError reports the record that stopped a re-keying. The record
// store is unchanged when this error is returned.
type MigrationError struct {
	ID  string
	Err error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("rdpcred: migration failed at record %q, no changes were made: %v", e.ID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// StoreError reports a failed read or write of the record store or the
// protection artifact. The engine's in-memory state is unchanged.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("rdpcred: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
