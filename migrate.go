package rdpcred

import (
	"errors"

	"github.com/kardianos/rdpcred/rkey"
	"github.com/kardianos/rdpcred/rseal"
	"github.com/kardianos/rdpcred/rstore"
)

// migration is a fully staged re-keying. Nothing touches the store until
// commit.
type migration struct {
	ids     []string
	next    map[string]string
	prev    map[string]string
	skipped int
}

func stageMigration(store rstore.Store, from, to *rkey.Key) (*migration, error) {
	records, err := store.ListRecords()
	if err != nil {
		return nil, storeErr("list records", err)
	}
	m := &migration{
		next: make(map[string]string, len(records)),
		prev: make(map[string]string, len(records)),
	}
	for _, r := range records {
		if r.Secret == "" {
			m.skipped++
			continue
		}
		plain, err := rseal.OpenString(r.Secret, from)
		if err != nil {
			return nil, &MigrationError{ID: r.ID, Err: err}
		}
		token, err := rseal.SealString(plain, to)
		if err != nil {
			return nil, &MigrationError{ID: r.ID, Err: err}
		}
		m.ids = append(m.ids, r.ID)
		m.next[r.ID] = token
		m.prev[r.ID] = r.Secret
	}
	return m, nil
}

func (m *migration) apply(store rstore.Store, tokens map[string]string) error {
	for i, id := range m.ids {
		if err := store.SetSecret(id, tokens[id]); err != nil {
			m.restore(store, i)
			return err
		}
	}
	return nil
}

// restore puts back the previous tokens of the first n records in memory.
func (m *migration) restore(store rstore.Store, n int) {
	for _, id := range m.ids[:n] {
		_ = store.SetSecret(id, m.prev[id])
	}
}

func (m *migration) commit(store rstore.Store) error {
	if len(m.ids) == 0 {
		return nil
	}
	if err := m.apply(store, m.next); err != nil {
		return storeErr("stage record", err)
	}
	if err := store.Persist(); err != nil {
		m.restore(store, len(m.ids))
		return storeErr("persist records", err)
	}
	return nil
}

// revert undoes a committed migration.
func (m *migration) revert(store rstore.Store) error {
	if len(m.ids) == 0 {
		return nil
	}
	if err := m.apply(store, m.prev); err != nil {
		return storeErr("revert record", err)
	}
	return storeErr("persist reverted records", store.Persist())
}

// MigrateAll re-seals every record secret from one key to another. It
// decrypts and re-encrypts all records before writing any of them; if one
// record fails the store is left untouched and a *MigrationError names it.
// Records without a secret are skipped. It returns the number of records
// re-sealed.
func MigrateAll(store rstore.Store, from, to *rkey.Key) (int, error) {
	if from == nil || to == nil {
		return 0, errors.New("rdpcred: migration needs both keys")
	}
	m, err := stageMigration(store, from, to)
	if err != nil {
		return 0, err
	}
	if err := m.commit(store); err != nil {
		return 0, err
	}
	return len(m.ids), nil
}
