// Package rstore persists connection records and the protection artifact.
//
// Record stores keep each record's sealed secret as an opaque text token;
// they never see plaintext. Changes made with SetSecret are held in memory
// until Persist writes them in one atomic step.
package rstore

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is appended to addresses that carry no port.
const DefaultPort = 3389

var (
	ErrNotFound = errors.New("rstore: record not found")
	ErrExists   = errors.New("rstore: record already exists")
	ErrInvalid  = errors.New("rstore: invalid record")
)

// Record is one saved connection.
type Record struct {
	ID       string
	Addr     string
	Username string
	Secret   string // Sealed token, empty when no password is saved.
}

// Store is the contract the protection engine needs from a record store.
type Store interface {
	ListRecords() ([]Record, error)
	GetSecret(id string) (string, error)
	SetSecret(id, token string) error
	Persist() error
}

// LegacyStore is implemented by stores that may still hold plaintext
// passwords written by older releases.
type LegacyStore interface {
	LegacyPasswords() (map[string]string, error)
	ClearLegacyPassword(id string) error
}

// RecordManager is a Store that can also add, remove and rename records.
// Record changes follow the store's own persistence rule; callers Persist
// afterwards to be sure they reach disk.
type RecordManager interface {
	Store
	Record(id string) (Record, error)
	SaveRecord(r Record) error
	RemoveRecord(id string) error
	RenameRecord(oldID, newID string) error
}

var (
	_ RecordManager = (*ConfigStore)(nil)
	_ RecordManager = (*BoltStore)(nil)
)

var validIDRegex = regexp.MustCompile(`^[^\[\]\s\x00-\x1f\x7f](?:[^\[\]\x00-\x1f\x7f]{0,126}[^\[\]\s\x00-\x1f\x7f])?$`)

// ValidateID checks that id is usable as a record name.
// Names are 1-128 printable characters without brackets or surrounding space.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if !validIDRegex.MatchString(id) {
		return fmt.Errorf("%w: name %q must be 1-128 printable characters without brackets or surrounding space", ErrInvalid, id)
	}
	return nil
}

var validHostRegex = regexp.MustCompile(`^[a-zA-Z0-9.-]{1,253}$`)

// ValidateAddr checks a host or host:port address.
func ValidateAddr(addr string) error {
	_, _, err := splitAddr(addr)
	return err
}

// NormalizeAddr returns addr as host:port, adding DefaultPort when absent.
func NormalizeAddr(addr string) (string, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return "", err
	}
	return host + ":" + strconv.Itoa(port), nil
}

func splitAddr(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, fmt.Errorf("%w: address cannot be empty", ErrInvalid)
	}
	host, port := addr, DefaultPort
	if h, p, found := strings.Cut(addr, ":"); found {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("%w: address %q has a bad port", ErrInvalid, addr)
		}
		host, port = h, n
	}
	if !validHostRegex.MatchString(host) {
		return "", 0, fmt.Errorf("%w: address %q has a bad host", ErrInvalid, addr)
	}
	return host, port, nil
}
