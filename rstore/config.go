package rstore

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Field names inside a record section.
const (
	fieldAddr     = "ip"
	fieldUsername = "username"
	fieldSecret   = "secret"

	// fieldLegacy holds a plaintext password written by older releases.
	fieldLegacy = "password"
)

// ConfigStore keeps records in a sectioned text file, one section per record.
type ConfigStore struct {
	mu   sync.RWMutex
	path string
	doc  document
}

var (
	_ Store       = (*ConfigStore)(nil)
	_ LegacyStore = (*ConfigStore)(nil)
)

// OpenConfigStore loads the file at path. A missing file is an empty store.
// The path can start with ~ to indicate the user's home directory.
func OpenConfigStore(path string) (*ConfigStore, error) {
	path = expandPath(path)
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	return &ConfigStore{path: path, doc: doc}, nil
}

func loadDocument(path string) (document, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(document), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := readDocument(f)
	if err != nil {
		return nil, fmt.Errorf("rstore: parse %s: %w", path, err)
	}
	return doc, nil
}

func (s *ConfigStore) Path() string {
	return s.path
}

func (s *ConfigStore) sectionLocked(id string) (section, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	sec, ok := s.doc[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sec, nil
}

func recordFrom(id string, sec section) Record {
	return Record{
		ID:       id,
		Addr:     string(sec[fieldAddr]),
		Username: string(sec[fieldUsername]),
		Secret:   string(sec[fieldSecret]),
	}
}

// ListRecords returns every record sorted by ID.
func (s *ConfigStore) ListRecords() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Record, 0, len(s.doc))
	for id, sec := range s.doc {
		if id == "" {
			continue
		}
		list = append(list, recordFrom(id, sec))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Record returns a single record.
func (s *ConfigStore) Record(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, err := s.sectionLocked(id)
	if err != nil {
		return Record{}, err
	}
	return recordFrom(id, sec), nil
}

func (s *ConfigStore) GetSecret(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, err := s.sectionLocked(id)
	if err != nil {
		return "", err
	}
	return string(sec[fieldSecret]), nil
}

// SetSecret replaces the sealed token of id in memory. An empty token
// removes the secret.
func (s *ConfigStore) SetSecret(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, err := s.sectionLocked(id)
	if err != nil {
		return err
	}
	if token == "" {
		delete(sec, fieldSecret)
		return nil
	}
	sec[fieldSecret] = []byte(token)
	return nil
}

// SaveRecord creates or updates the address and username of r.ID.
// The stored secret is left alone; use SetSecret for that.
func (s *ConfigStore) SaveRecord(r Record) error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	addr, err := NormalizeAddr(r.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.doc.section(r.ID)
	sec[fieldAddr] = []byte(addr)
	if r.Username == "" {
		delete(sec, fieldUsername)
	} else {
		sec[fieldUsername] = []byte(r.Username)
	}
	return nil
}

func (s *ConfigStore) RemoveRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sectionLocked(id); err != nil {
		return err
	}
	delete(s.doc, id)
	return nil
}

// RenameRecord moves a record, secret included, to a new name.
func (s *ConfigStore) RenameRecord(oldID, newID string) error {
	if err := ValidateID(newID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec, err := s.sectionLocked(oldID)
	if err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}
	if _, taken := s.doc[newID]; taken {
		return fmt.Errorf("%w: %q", ErrExists, newID)
	}
	s.doc[newID] = sec
	delete(s.doc, oldID)
	return nil
}

func (s *ConfigStore) LegacyPasswords() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for id, sec := range s.doc {
		if id == "" {
			continue
		}
		if pw, ok := sec[fieldLegacy]; ok && len(pw) > 0 {
			out[id] = string(pw)
		}
	}
	return out, nil
}

func (s *ConfigStore) ClearLegacyPassword(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, err := s.sectionLocked(id)
	if err != nil {
		return err
	}
	delete(sec, fieldLegacy)
	return nil
}

// Persist atomically writes the in-memory records to disk.
func (s *ConfigStore) Persist() error {
	s.mu.RLock()
	snapshot := s.doc.clone()
	s.mu.RUnlock()

	return atomicWriteFile(s.path, func(w io.Writer) error {
		if _, err := io.WriteString(w, "# rdpcred connection records\n\n"); err != nil {
			return err
		}
		return writeDocument(w, snapshot)
	})
}
