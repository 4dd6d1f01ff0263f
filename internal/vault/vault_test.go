package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t, "test-passphrase")
	plaintext := []byte(`{"session":"s1"}`)

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload contains plaintext")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := newTestVault(t, "correct-passphrase")
	v2 := newTestVault(t, "wrong-passphrase")

	sealed, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestSameKeyAcrossInstances(t *testing.T) {
	sealed, err := newTestVault(t, "stable").Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := newTestVault(t, "stable").Open(sealed)
	if err != nil {
		t.Fatalf("open with fresh vault: %v", err)
	}
	if string(opened) != "data" {
		t.Fatalf("got %q", opened)
	}
}

func TestOpenMalformed(t *testing.T) {
	v := newTestVault(t, "p")
	if _, err := v.Open([]byte{1, 2}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
