package rstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

var ErrArtifactCorrupt = errors.New("rstore: protection artifact corrupt")

// Artifact records which protection mode is active and the salt the
// active key was derived with. It is stored apart from the records.
type Artifact struct {
	Custom     bool   `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	Iterations int    `cbor:"3,keyasint"`

	// Probe is a token sealed under the active key, used to check a
	// candidate password when no record carries a secret.
	Probe string `cbor:"4,keyasint,omitempty"`
}

// ArtifactStore loads and saves the protection artifact.
type ArtifactStore interface {
	// Load returns nil and no error when no artifact has been saved.
	Load() (*Artifact, error)
	Save(a *Artifact) error
	Remove() error
}

var artifactDecMode cbor.DecMode

func init() {
	var err error
	artifactDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// FileArtifactStore keeps the artifact in a single file protected at rest
// with the platform's data protection.
type FileArtifactStore struct {
	path string
}

var _ ArtifactStore = (*FileArtifactStore)(nil)

func NewFileArtifactStore(path string) *FileArtifactStore {
	return &FileArtifactStore{path: expandPath(path)}
}

func (s *FileArtifactStore) Path() string {
	return s.path
}

func (s *FileArtifactStore) Load() (*Artifact, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rstore: read artifact: %w", err)
	}
	raw, err := decryptValue(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	a := &Artifact{}
	if err := artifactDecMode.Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactCorrupt, err)
	}
	if len(a.Salt) == 0 || a.Iterations <= 0 {
		return nil, fmt.Errorf("%w: missing salt or iteration count", ErrArtifactCorrupt)
	}
	return a, nil
}

func (s *FileArtifactStore) Save(a *Artifact) error {
	if a == nil || len(a.Salt) == 0 || a.Iterations <= 0 {
		return errors.New("rstore: artifact needs a salt and an iteration count")
	}
	raw, err := cbor.Marshal(a)
	if err != nil {
		return fmt.Errorf("rstore: encode artifact: %w", err)
	}
	sealed, err := encryptValue(raw)
	if err != nil {
		return fmt.Errorf("rstore: protect artifact: %w", err)
	}
	return atomicWriteFile(s.path, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(sealed))
		return err
	})
}

func (s *FileArtifactStore) Remove() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rstore: remove artifact: %w", err)
	}
	return nil
}
