package rstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateAddr(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "192.168.1.100", want: "192.168.1.100:3389"},
		{addr: "192.168.1.100:3390", want: "192.168.1.100:3390"},
		{addr: " server.example.com ", want: "server.example.com:3389"},
		{addr: "rdp-01:1", want: "rdp-01:1"},
		{addr: "", wantErr: true},
		{addr: "host:0", wantErr: true},
		{addr: "host:65536", wantErr: true},
		{addr: "host:abc", wantErr: true},
		{addr: "bad host", wantErr: true},
		{addr: "host_name", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := NormalizeAddr(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeAddr() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Fatalf("error %v does not wrap ErrInvalid", err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{id: "Office PC"},
		{id: "x"},
		{id: "servidor-ção"},
		{id: "", wantErr: true},
		{id: " lead", wantErr: true},
		{id: "trail ", wantErr: true},
		{id: "a[b]", wantErr: true},
		{id: "line\nbreak", wantErr: true},
		{id: string(bytes.Repeat([]byte{'a'}, 129)), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if err := ValidateID(tt.id); (err != nil) != tt.wantErr {
				t.Fatalf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func openTestConfig(t *testing.T) (*ConfigStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.conf")
	s, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore() error = %v", err)
	}
	return s, path
}

func TestConfigStore(t *testing.T) {
	s, path := openTestConfig(t)

	if list, err := s.ListRecords(); err != nil || len(list) != 0 {
		t.Fatalf("ListRecords() = %v, %v on empty store", list, err)
	}
	if err := s.SaveRecord(Record{ID: "b", Addr: "10.0.0.2", Username: "bob"}); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if err := s.SaveRecord(Record{ID: "a", Addr: "10.0.0.1:4000"}); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if err := s.SetSecret("b", "TOKEN-B"); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	if err := s.SetSecret("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSecret(missing) error = %v, want %v", err, ErrNotFound)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file written before Persist")
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 && os.PathSeparator == '/' {
		t.Errorf("file mode = %v, want 0600", perm)
	}

	re, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore() reopen error = %v", err)
	}
	list, err := re.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	want := []Record{
		{ID: "a", Addr: "10.0.0.1:4000"},
		{ID: "b", Addr: "10.0.0.2:3389", Username: "bob", Secret: "TOKEN-B"},
	}
	if len(list) != len(want) {
		t.Fatalf("ListRecords() = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, list[i], want[i])
		}
	}

	if err := re.SaveRecord(Record{ID: "b", Addr: "10.0.0.3", Username: "bob"}); err != nil {
		t.Fatalf("SaveRecord() update error = %v", err)
	}
	if tok, _ := re.GetSecret("b"); tok != "TOKEN-B" {
		t.Fatalf("secret lost on update: %q", tok)
	}
	if err := re.SetSecret("b", ""); err != nil {
		t.Fatalf("SetSecret(empty) error = %v", err)
	}
	if tok, _ := re.GetSecret("b"); tok != "" {
		t.Fatalf("GetSecret() after clear = %q", tok)
	}
}

func TestConfigStoreRenameRemove(t *testing.T) {
	s, _ := openTestConfig(t)
	for _, id := range []string{"one", "two"} {
		if err := s.SaveRecord(Record{ID: id, Addr: id + ".lan"}); err != nil {
			t.Fatalf("SaveRecord() error = %v", err)
		}
	}
	if err := s.SetSecret("one", "TOK"); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}

	if err := s.RenameRecord("one", "two"); !errors.Is(err, ErrExists) {
		t.Fatalf("RenameRecord() onto existing error = %v, want %v", err, ErrExists)
	}
	if err := s.RenameRecord("one", "uno"); err != nil {
		t.Fatalf("RenameRecord() error = %v", err)
	}
	r, err := s.Record("uno")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if r.Secret != "TOK" || r.Addr != "one.lan:3389" {
		t.Fatalf("renamed record = %+v", r)
	}
	if _, err := s.Record("one"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old name still present: %v", err)
	}

	if err := s.RemoveRecord("two"); err != nil {
		t.Fatalf("RemoveRecord() error = %v", err)
	}
	if err := s.RemoveRecord("two"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RemoveRecord() twice error = %v, want %v", err, ErrNotFound)
	}
}

func TestConfigStoreLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.conf")
	old := "[old]\nip=T{old.lan:3389}\npassword=T{plain-pw}\n\n[new]\nip=T{new.lan:3389}\n"
	if err := os.WriteFile(path, []byte(old), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	s, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore() error = %v", err)
	}
	legacy, err := s.LegacyPasswords()
	if err != nil {
		t.Fatalf("LegacyPasswords() error = %v", err)
	}
	if len(legacy) != 1 || legacy["old"] != "plain-pw" {
		t.Fatalf("LegacyPasswords() = %v", legacy)
	}
	if err := s.ClearLegacyPassword("old"); err != nil {
		t.Fatalf("ClearLegacyPassword() error = %v", err)
	}
	legacy, _ = s.LegacyPasswords()
	if len(legacy) != 0 {
		t.Fatalf("legacy password not cleared: %v", legacy)
	}
}

func TestConfigStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.conf")
	if err := os.WriteFile(path, []byte("[s]\nip=B{***}\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := OpenConfigStore(path); err == nil {
		t.Fatal("corrupt file accepted")
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.db")
	s, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore() error = %v", err)
	}

	if err := s.SaveRecord(Record{ID: "srv", Addr: "srv.lan", Username: "u"}); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if err := s.SetSecret("srv", "TOK1"); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	if err := s.SetSecret("nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSecret(nope) error = %v, want %v", err, ErrNotFound)
	}
	if tok, _ := s.GetSecret("srv"); tok != "TOK1" {
		t.Fatalf("staged secret not visible: %q", tok)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Unpersisted changes are dropped.
	s, err = OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore() reopen error = %v", err)
	}
	if tok, _ := s.GetSecret("srv"); tok != "" {
		t.Fatalf("unpersisted secret survived reopen: %q", tok)
	}
	if err := s.SetSecret("srv", "TOK2"); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := s.RenameRecord("srv", "srv2"); err != nil {
		t.Fatalf("RenameRecord() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore() reopen error = %v", err)
	}
	defer s.Close()
	list, err := s.ListRecords()
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	want := Record{ID: "srv2", Addr: "srv.lan:3389", Username: "u", Secret: "TOK2"}
	if len(list) != 1 || list[0] != want {
		t.Fatalf("ListRecords() = %+v, want %+v", list, want)
	}
	if err := s.RemoveRecord("srv2"); err != nil {
		t.Fatalf("RemoveRecord() error = %v", err)
	}
}

func TestFileArtifactStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.salt")
	s := NewFileArtifactStore(path)

	a, err := s.Load()
	if err != nil || a != nil {
		t.Fatalf("Load() on missing file = %v, %v", a, err)
	}

	want := &Artifact{Custom: true, Salt: bytes.Repeat([]byte{5}, 32), Iterations: 100000, Probe: "PROBE"}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, want.Salt) {
		t.Fatal("salt stored in the clear")
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Custom != want.Custom || !bytes.Equal(got.Salt, want.Salt) || got.Iterations != want.Iterations || got.Probe != want.Probe {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}

	if err := s.Save(&Artifact{}); err == nil {
		t.Fatal("Save() accepted an empty artifact")
	}

	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrArtifactCorrupt) {
		t.Fatalf("Load() of corrupt file error = %v, want %v", err, ErrArtifactCorrupt)
	}

	if err := s.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(); err != nil {
		t.Fatalf("Remove() twice error = %v", err)
	}
	if a, err := s.Load(); err != nil || a != nil {
		t.Fatalf("Load() after Remove = %v, %v", a, err)
	}
}
