package rstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

type boltRecord struct {
	Addr     string `cbor:"1,keyasint"`
	Username string `cbor:"2,keyasint,omitempty"`
	Secret   string `cbor:"3,keyasint,omitempty"`
}

// BoltStore keeps records in a bbolt database. Secret changes are staged
// in memory and written together by Persist in a single transaction.
type BoltStore struct {
	db *bbolt.DB

	mu      sync.Mutex
	pending map[string]string
}

var _ Store = (*BoltStore)(nil)

func OpenBoltStore(path string) (*BoltStore, error) {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("rstore: create db dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("rstore: open db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("rstore: create bucket: %w", err)
	}
	return &BoltStore{db: db, pending: make(map[string]string)}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getBoltRecord(b *bbolt.Bucket, id string) (boltRecord, error) {
	var r boltRecord
	data := b.Get([]byte(id))
	if data == nil {
		return r, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("rstore: decode record %q: %w", id, err)
	}
	return r, nil
}

func putBoltRecord(b *bbolt.Bucket, id string, r boltRecord) error {
	data, err := cbor.Marshal(r)
	if err != nil {
		return fmt.Errorf("rstore: encode record %q: %w", id, err)
	}
	return b.Put([]byte(id), data)
}

func (s *BoltStore) ListRecords() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := cbor.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("rstore: decode record %q: %w", k, err)
			}
			id := string(k)
			if tok, ok := s.pending[id]; ok {
				r.Secret = tok
			}
			list = append(list, Record{ID: id, Addr: r.Addr, Username: r.Username, Secret: r.Secret})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *BoltStore) Record(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r boltRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getBoltRecord(tx.Bucket(bucketRecords), id)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	if tok, ok := s.pending[id]; ok {
		r.Secret = tok
	}
	return Record{ID: id, Addr: r.Addr, Username: r.Username, Secret: r.Secret}, nil
}

func (s *BoltStore) GetSecret(id string) (string, error) {
	r, err := s.Record(id)
	if err != nil {
		return "", err
	}
	return r.Secret, nil
}

func (s *BoltStore) SetSecret(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		_, err := getBoltRecord(tx.Bucket(bucketRecords), id)
		return err
	})
	if err != nil {
		return err
	}
	s.pending[id] = token
	return nil
}

// Persist writes all staged secrets in one transaction. On failure nothing
// is written and the staged secrets are kept.
func (s *BoltStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for id, tok := range s.pending {
			r, err := getBoltRecord(b, id)
			if err != nil {
				return err
			}
			r.Secret = tok
			if err := putBoltRecord(b, id, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	clear(s.pending)
	return nil
}

// SaveRecord creates or updates the address and username of r.ID
// immediately, keeping any stored secret.
func (s *BoltStore) SaveRecord(r Record) error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	addr, err := NormalizeAddr(r.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		existing, err := getBoltRecord(b, r.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		existing.Addr = addr
		existing.Username = r.Username
		return putBoltRecord(b, r.ID, existing)
	})
}

func (s *BoltStore) RemoveRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if _, err := getBoltRecord(b, id); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	delete(s.pending, id)
	return nil
}

// RenameRecord moves a record, secret included, to a new name.
func (s *BoltStore) RenameRecord(oldID, newID string) error {
	if err := ValidateID(newID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID == newID {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		r, err := getBoltRecord(b, oldID)
		if err != nil {
			return err
		}
		if b.Get([]byte(newID)) != nil {
			return fmt.Errorf("%w: %q", ErrExists, newID)
		}
		if err := putBoltRecord(b, newID, r); err != nil {
			return err
		}
		return b.Delete([]byte(oldID))
	})
	if err != nil {
		return err
	}
	if tok, ok := s.pending[oldID]; ok {
		s.pending[newID] = tok
		delete(s.pending, oldID)
	}
	return nil
}
