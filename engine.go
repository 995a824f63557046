// Package rdpcred protects saved remote desktop passwords.
//
// An Engine seals each password into a text token before it reaches the
// record store. By default the key is derived from an installation seed
// and needs no user input. A master password may be set instead; the
// engine is then locked until the password is supplied. Switching modes
// re-seals every stored secret in one all-or-nothing migration.
package rdpcred

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kardianos/rdpcred/rkey"
	"github.com/kardianos/rdpcred/rseal"
	"github.com/kardianos/rdpcred/rstate"
	"github.com/kardianos/rdpcred/rstore"
)

// probeMarker is sealed into the artifact to check candidate keys.
const probeMarker = "rdpcred-probe-v1"

// Config configures an Engine.
type Config struct {
	Store     rstore.Store
	Artifacts rstore.ArtifactStore

	// Seed supplies the installation secret for the default key.
	// Defaults to rkey.MachineSeed.
	Seed rkey.Seeder

	// KDF applies to newly created keys. Existing keys keep the
	// iteration count stored with their salt.
	KDF rkey.Params

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Seed == nil {
		c.Seed = rkey.MachineSeed{}
	}
	if c.KDF.Iterations == 0 {
		c.KDF = rkey.DefaultParams()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate reports missing or unsafe settings.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("rdpcred: config: record store is required")
	}
	if c.Artifacts == nil {
		return errors.New("rdpcred: config: artifact store is required")
	}
	if err := c.KDF.Validate(); err != nil {
		return fmt.Errorf("rdpcred: config: %w", err)
	}
	return nil
}

// Engine owns the active key and coordinates every change of protection
// mode. It is safe for concurrent use: sealing and opening run in
// parallel, while mode changes and migrations run alone.
type Engine struct {
	store     rstore.Store
	artifacts rstore.ArtifactStore
	seed      rkey.Seeder
	params    rkey.Params
	log       *zap.Logger

	sm *rstate.Machine[State]

	mu        sync.RWMutex
	art       *rstore.Artifact
	persisted bool     // art has been saved.
	key       *rkey.Key // nil while locked.
	closed    bool
}

// Open loads the protection artifact and prepares the engine. With no
// artifact, or one marking default mode, the engine starts usable;
// otherwise it starts locked.
func Open(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		seed:      cfg.Seed,
		params:    cfg.KDF,
		log:       cfg.Logger,
	}

	art, err := e.artifacts.Load()
	if err != nil {
		return nil, storeErr("load artifact", err)
	}

	initial := StateDefault
	switch {
	case art == nil:
		art, e.key, err = e.newDefault()
		if err != nil {
			return nil, err
		}
	case art.Custom:
		initial = StateLocked
		e.persisted = true
	default:
		e.key, err = rkey.DeriveDefault(e.seed, art.Salt, rkey.Params{Iterations: art.Iterations})
		if err != nil {
			return nil, fmt.Errorf("rdpcred: derive default key: %w", err)
		}
		e.persisted = true
		if art.Probe != "" {
			if _, err := rseal.OpenString(art.Probe, e.key); err != nil {
				e.log.Warn("default key does not match the stored probe; the installation seed may have changed", zap.Error(err))
			}
		}
	}
	e.art = art
	e.sm = rstate.New(initial, stateTransitions, func(from, to State, name string) {
		e.log.Info("protection state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("transition", name),
		)
	})
	e.log.Debug("engine opened", zap.Stringer("state", initial), zap.Bool("artifact", e.persisted))
	return e, nil
}

// newDefault creates a fresh default-mode salt and key. The artifact is not
// saved until the first secret is sealed.
func (e *Engine) newDefault() (*rstore.Artifact, *rkey.Key, error) {
	salt, err := rkey.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	key, err := rkey.DeriveDefault(e.seed, salt, e.params)
	if err != nil {
		return nil, nil, fmt.Errorf("rdpcred: derive default key: %w", err)
	}
	probe, err := rseal.SealString(probeMarker, key)
	if err != nil {
		key.Wipe()
		return nil, nil, err
	}
	art := &rstore.Artifact{Salt: salt, Iterations: e.params.Iterations, Probe: probe}
	return art, key, nil
}

func (e *Engine) checkOpenLocked() error {
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) activeKeyLocked() (*rkey.Key, error) {
	if err := e.checkOpenLocked(); err != nil {
		return nil, err
	}
	if e.key == nil {
		return nil, ErrEngineLocked
	}
	return e.key, nil
}

// persistArtifactLocked saves a pending default-mode artifact so the salt
// used for new secrets survives a restart.
func (e *Engine) persistArtifactLocked() error {
	if e.persisted {
		return nil
	}
	if err := e.artifacts.Save(e.art); err != nil {
		return storeErr("save artifact", err)
	}
	e.persisted = true
	e.log.Debug("default key salt saved")
	return nil
}

// Status reports the current protection state.
func (e *Engine) Status() Status {
	s := e.sm.Current()
	return Status{State: s, Mode: s.Mode(), Locked: s == StateLocked}
}

// Encrypt seals plaintext for storage under the active key.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	for {
		e.mu.RLock()
		key, err := e.activeKeyLocked()
		if err != nil {
			e.mu.RUnlock()
			return "", err
		}
		if e.persisted {
			token, err := rseal.SealString(plaintext, key)
			e.mu.RUnlock()
			return token, err
		}
		e.mu.RUnlock()

		e.mu.Lock()
		err = e.checkOpenLocked()
		if err == nil {
			err = e.persistArtifactLocked()
		}
		e.mu.Unlock()
		if err != nil {
			return "", err
		}
	}
}

// Decrypt opens a token produced by Encrypt.
func (e *Engine) Decrypt(token string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key, err := e.activeKeyLocked()
	if err != nil {
		return "", err
	}
	return rseal.OpenString(token, key)
}

// PlaintextPassword returns the saved password of record id, for handing
// to a connection client.
func (e *Engine) PlaintextPassword(id string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key, err := e.activeKeyLocked()
	if err != nil {
		return "", err
	}
	token, err := e.store.GetSecret(id)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoSecret
	}
	plain, err := rseal.OpenString(token, key)
	if err != nil {
		e.log.Warn("saved password could not be opened", zap.String("record", id), zap.Error(err))
		return "", err
	}
	return plain, nil
}

// SaveSecret seals plaintext and stores it as the secret of record id.
func (e *Engine) SaveSecret(id, plaintext string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.activeKeyLocked()
	if err != nil {
		return err
	}
	if err := e.persistArtifactLocked(); err != nil {
		return err
	}
	token, err := rseal.SealString(plaintext, key)
	if err != nil {
		return err
	}
	prev, err := e.store.GetSecret(id)
	if err != nil {
		return err
	}
	if err := e.store.SetSecret(id, token); err != nil {
		return storeErr("stage record", err)
	}
	if err := e.store.Persist(); err != nil {
		_ = e.store.SetSecret(id, prev)
		return storeErr("persist records", err)
	}
	e.log.Debug("password saved", zap.String("record", id))
	return nil
}

// ClearSecret removes the saved password of record id.
func (e *Engine) ClearSecret(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	prev, err := e.store.GetSecret(id)
	if err != nil {
		return err
	}
	if prev == "" {
		return nil
	}
	if err := e.store.SetSecret(id, ""); err != nil {
		return storeErr("stage record", err)
	}
	if err := e.store.Persist(); err != nil {
		_ = e.store.SetSecret(id, prev)
		return storeErr("persist records", err)
	}
	return nil
}

// verifyLocked derives the custom key for password and checks it against
// the artifact probe, then the first record holding a secret. With nothing
// to check against, any password is accepted.
func (e *Engine) verifyLocked(password string) (*rkey.Key, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	pw := []byte(password)
	defer rkey.Zero(pw)
	key, err := rkey.Derive(pw, e.art.Salt, rkey.Params{Iterations: e.art.Iterations})
	if err != nil {
		return nil, fmt.Errorf("rdpcred: derive key: %w", err)
	}

	ok, err := e.checkKeyLocked(key)
	if err != nil {
		key.Wipe()
		return nil, err
	}
	if !ok {
		key.Wipe()
		return nil, ErrInvalidMasterPassword
	}
	return key, nil
}

func (e *Engine) checkKeyLocked(key *rkey.Key) (bool, error) {
	if e.art.Probe != "" {
		_, err := rseal.OpenString(e.art.Probe, key)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, rseal.ErrAuthenticationFailed):
			return false, nil
		}
		e.log.Warn("artifact probe unreadable, checking records instead", zap.Error(err))
	}

	records, err := e.store.ListRecords()
	if err != nil {
		return false, storeErr("list records", err)
	}
	for _, r := range records {
		if r.Secret == "" {
			continue
		}
		_, err := rseal.OpenString(r.Secret, key)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, rseal.ErrAuthenticationFailed):
			return false, nil
		}
	}
	e.log.Debug("no sealed data to check the master password against")
	return true, nil
}

// Unlock loads the custom key from password. It does nothing if the engine
// is already unlocked.
func (e *Engine) Unlock(password string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	switch e.sm.Current() {
	case StateDefault:
		return fmt.Errorf("%w: no master password is set", ErrInvalidState)
	case StateUnlocked:
		return nil
	}
	key, err := e.verifyLocked(password)
	if err != nil {
		if errors.Is(err, ErrInvalidMasterPassword) {
			e.log.Warn("unlock rejected")
		}
		return err
	}
	return e.sm.TransitionWith(StateUnlocked, func() error {
		e.key = key
		return nil
	})
}

// Lock drops the custom key from memory. It does nothing in default mode
// or when already locked.
func (e *Engine) Lock() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	if e.sm.Current() != StateUnlocked {
		return nil
	}
	return e.sm.TransitionWith(StateLocked, func() error {
		e.key.Wipe()
		e.key = nil
		return nil
	})
}

// rekeyLocked migrates every secret from old to next, saves art and moves
// to state to. On any failure the store, artifact and state are unchanged
// and next is wiped. On success old is wiped.
func (e *Engine) rekeyLocked(to State, old, next *rkey.Key, art *rstore.Artifact) error {
	var count int
	err := e.sm.TransitionWith(to, func() error {
		m, err := stageMigration(e.store, old, next)
		if err != nil {
			return err
		}
		if err := m.commit(e.store); err != nil {
			return err
		}
		if err := e.artifacts.Save(art); err != nil {
			if rerr := m.revert(e.store); rerr != nil {
				e.log.Error("revert after failed artifact save", zap.Error(rerr))
			}
			return storeErr("save artifact", err)
		}
		count = len(m.ids)
		return nil
	})
	if err != nil {
		next.Wipe()
		e.log.Warn("protection change aborted", zap.Stringer("to", to), zap.Error(err))
		return err
	}
	if old != e.key {
		old.Wipe()
	}
	if e.key != nil {
		e.key.Wipe()
	}
	e.key = next
	e.art = art
	e.persisted = true
	e.log.Info("secrets re-sealed", zap.Int("records", count), zap.Stringer("mode", to.Mode()))
	return nil
}

func (e *Engine) newCustom(password string) (*rkey.Key, *rstore.Artifact, error) {
	if password == "" {
		return nil, nil, ErrEmptyPassword
	}
	salt, err := rkey.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	pw := []byte(password)
	defer rkey.Zero(pw)
	key, err := rkey.Derive(pw, salt, e.params)
	if err != nil {
		return nil, nil, fmt.Errorf("rdpcred: derive key: %w", err)
	}
	probe, err := rseal.SealString(probeMarker, key)
	if err != nil {
		key.Wipe()
		return nil, nil, err
	}
	return key, &rstore.Artifact{Custom: true, Salt: salt, Iterations: e.params.Iterations, Probe: probe}, nil
}

// SetupMasterPassword switches from default mode to a master password,
// re-sealing every stored secret. The engine ends unlocked.
func (e *Engine) SetupMasterPassword(password string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	if e.sm.Current() != StateDefault {
		return fmt.Errorf("%w: a master password is already set", ErrInvalidState)
	}
	next, art, err := e.newCustom(password)
	if err != nil {
		return err
	}
	return e.rekeyLocked(StateUnlocked, e.key, next, art)
}

// ChangeMasterPassword replaces the master password after checking the
// old one. The engine ends unlocked.
func (e *Engine) ChangeMasterPassword(oldPassword, newPassword string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	if e.sm.Current() == StateDefault {
		return fmt.Errorf("%w: no master password is set", ErrInvalidState)
	}
	if newPassword == "" {
		return ErrEmptyPassword
	}
	old, err := e.verifyLocked(oldPassword)
	if err != nil {
		return err
	}
	next, art, err := e.newCustom(newPassword)
	if err != nil {
		old.Wipe()
		return err
	}
	if err := e.rekeyLocked(StateUnlocked, old, next, art); err != nil {
		old.Wipe()
		return err
	}
	return nil
}

// RemoveMasterPassword returns to default mode, re-sealing every secret
// under a new default key. An empty password is allowed only while
// unlocked.
func (e *Engine) RemoveMasterPassword(password string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	if e.sm.Current() == StateDefault {
		return fmt.Errorf("%w: no master password is set", ErrInvalidState)
	}

	old := e.key
	if password != "" {
		k, err := e.verifyLocked(password)
		if err != nil {
			return err
		}
		old = k
	} else if old == nil {
		return ErrEngineLocked
	}
	release := func() {
		if old != e.key {
			old.Wipe()
		}
	}

	art, next, err := e.newDefault()
	if err != nil {
		release()
		return err
	}
	if err := e.rekeyLocked(StateDefault, old, next, art); err != nil {
		release()
		return err
	}
	return nil
}

// Reset abandons a forgotten master password and returns to default mode.
// Secrets sealed under the lost key stay in the store but can no longer be
// opened.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpenLocked(); err != nil {
		return err
	}
	if e.sm.Current() == StateDefault {
		return fmt.Errorf("%w: no master password is set", ErrInvalidState)
	}
	art, next, err := e.newDefault()
	if err != nil {
		return err
	}
	err = e.sm.TransitionWith(StateDefault, func() error {
		return storeErr("remove artifact", e.artifacts.Remove())
	})
	if err != nil {
		next.Wipe()
		return err
	}

	lost := 0
	if records, err := e.store.ListRecords(); err == nil {
		for _, r := range records {
			if r.Secret != "" {
				lost++
			}
		}
	}
	if e.key != nil {
		e.key.Wipe()
	}
	e.key = next
	e.art = art
	e.persisted = false
	e.log.Warn("master password reset; existing saved passwords are unreadable", zap.Int("records", lost))
	return nil
}

// ImportLegacy seals plaintext passwords left by older releases and removes
// the plaintext copies. It returns the number of passwords imported.
func (e *Engine) ImportLegacy() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.activeKeyLocked()
	if err != nil {
		return 0, err
	}
	legacy, ok := e.store.(rstore.LegacyStore)
	if !ok {
		return 0, nil
	}
	plain, err := legacy.LegacyPasswords()
	if err != nil {
		return 0, storeErr("read legacy passwords", err)
	}
	if len(plain) == 0 {
		return 0, nil
	}
	if err := e.persistArtifactLocked(); err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(plain))
	for id := range plain {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	m := &migration{next: make(map[string]string), prev: make(map[string]string)}
	for _, id := range ids {
		prev, err := e.store.GetSecret(id)
		if err != nil {
			return 0, storeErr("read record", err)
		}
		if prev != "" {
			// Already sealed; only the plaintext copy is left to drop.
			continue
		}
		token, err := rseal.SealString(plain[id], key)
		if err != nil {
			return 0, &MigrationError{ID: id, Err: err}
		}
		m.ids = append(m.ids, id)
		m.next[id] = token
		m.prev[id] = prev
	}
	if err := m.commit(e.store); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := legacy.ClearLegacyPassword(id); err != nil {
			return len(m.ids), storeErr("clear legacy password", err)
		}
	}
	if err := e.store.Persist(); err != nil {
		return len(m.ids), storeErr("persist records", err)
	}
	e.log.Info("legacy passwords imported", zap.Int("records", len(m.ids)))
	return len(m.ids), nil
}

// Close wipes key material. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if e.key != nil {
		e.key.Wipe()
		e.key = nil
	}
	e.closed = true
	return nil
}
