package rseal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/kardianos/rdpcred/rkey"
)

func testKey(t testing.TB, password string) *rkey.Key {
	t.Helper()
	k, err := rkey.Derive([]byte(password), bytes.Repeat([]byte{9}, rkey.SaltSize), rkey.Params{Iterations: rkey.MinIterations})
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	t.Cleanup(k.Wipe)
	return k
}

func TestRoundTrip(t *testing.T) {
	key := testKey(t, "k")
	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "empty", plaintext: ""},
		{name: "ascii", plaintext: "P@ssw0rd!"},
		{name: "unicode", plaintext: "senha-ção-密码"},
		{name: "braces and newlines", plaintext: "a{b}\nc=T{d}"},
		{name: "long", plaintext: strings.Repeat("x", 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := SealString(tt.plaintext, key)
			if err != nil {
				t.Fatalf("SealString() error = %v", err)
			}
			got, err := OpenString(token, key)
			if err != nil {
				t.Fatalf("OpenString() error = %v", err)
			}
			if got != tt.plaintext {
				t.Fatalf("OpenString() = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestFreshNonce(t *testing.T) {
	key := testKey(t, "k")
	a, err := Seal("same", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := Seal("same", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatal("nonce reused across seals")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("ciphertext identical across seals")
	}
}

func TestWrongKey(t *testing.T) {
	token, err := SealString("secret", testKey(t, "a"))
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	_, err = OpenString(token, testKey(t, "b"))
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("OpenString() error = %v, want %v", err, ErrAuthenticationFailed)
	}
}

func TestTamperEveryBit(t *testing.T) {
	key := testKey(t, "k")
	env, err := Seal("tamper-me", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	fields := []struct {
		name string
		buf  []byte
	}{
		{name: "nonce", buf: env.Nonce},
		{name: "ciphertext", buf: env.Ciphertext},
		{name: "tag", buf: env.Tag},
	}
	for _, f := range fields {
		for i := 0; i < len(f.buf)*8; i++ {
			f.buf[i/8] ^= 1 << (i % 8)
			got, err := Open(env, key)
			f.buf[i/8] ^= 1 << (i % 8)

			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("%s bit %d: Open() error = %v, want %v", f.name, i, err, ErrAuthenticationFailed)
			}
			if got != "" {
				t.Fatalf("%s bit %d: partial plaintext %q", f.name, i, got)
			}
		}
	}

	if _, err := Open(env, key); err != nil {
		t.Fatalf("Open() after restoring bits error = %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	key := testKey(t, "k")
	good, err := Seal("x", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	raw, err := cbor.Marshal(good)
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}
	encode := func(v any) string {
		b, err := cbor.Marshal(v)
		if err != nil {
			t.Fatalf("cbor.Marshal() error = %v", err)
		}
		return base64.StdEncoding.EncodeToString(b)
	}
	withVersion := good
	withVersion.Version = 9
	shortNonce := good
	shortNonce.Nonce = good.Nonce[:12]
	shortTag := good
	shortTag.Tag = good.Tag[:8]

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "not base64", token: "!!!not-base64!!!"},
		{name: "not cbor", token: base64.StdEncoding.EncodeToString([]byte("hello world"))},
		{name: "unknown version", token: encode(withVersion)},
		{name: "short nonce", token: encode(shortNonce)},
		{name: "short tag", token: encode(shortTag)},
		{name: "unknown field", token: encode(map[int]any{1: 1, 2: good.Nonce, 3: good.Ciphertext, 4: good.Tag, 9: "x"})},
		{name: "trailing data", token: base64.StdEncoding.EncodeToString(append(append([]byte{}, raw...), 0x00))},
		{name: "truncated", token: base64.StdEncoding.EncodeToString(raw[:len(raw)-3])},
		{name: "oversize", token: strings.Repeat("A", MaxTokenSize+4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token)
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("Parse() error = %v, want %v", err, ErrMalformedEnvelope)
			}
			_, err = OpenString(tt.token, key)
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("OpenString() error = %v, want %v", err, ErrMalformedEnvelope)
			}
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	if _, err := (Envelope{Version: 2}).Encode(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("Encode() error = %v, want %v", err, ErrMalformedEnvelope)
	}
}

func TestSealWipedKey(t *testing.T) {
	k := testKey(t, "k")
	k.Wipe()
	if _, err := Seal("x", k); !errors.Is(err, rkey.ErrWiped) {
		t.Fatalf("Seal() error = %v, want %v", err, rkey.ErrWiped)
	}
}

func FuzzParse(f *testing.F) {
	key := testKey(f, "fuzz")
	token, err := SealString("seed", key)
	if err != nil {
		f.Fatalf("SealString() error = %v", err)
	}
	f.Add(token)
	f.Add("")
	f.Add("AAAA")
	f.Fuzz(func(t *testing.T, s string) {
		got, err := OpenString(s, key)
		if err != nil {
			if !errors.Is(err, ErrMalformedEnvelope) && !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("OpenString() unexpected error class: %v", err)
			}
			return
		}
		if got != "seed" {
			t.Fatalf("forged token opened to %q", got)
		}
	})
}
