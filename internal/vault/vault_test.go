package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/store"
)

func mustVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Seal("greeting", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	decrypted, err := v.Open("greeting", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := mustVault(t, "correct-passphrase")
	v2 := mustVault(t, "wrong-passphrase")

	ciphertext, nonce, err := v1.Seal("k", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.Open("k", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNameIsBound(t *testing.T) {
	v := mustVault(t, "p")
	ciphertext, nonce, _ := v.Seal("anthropic", []byte("sk-ant-123"))
	if _, err := v.Open("openai", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening under a different name")
	}
}

func TestDifferentPassphrasesDifferentKeys(t *testing.T) {
	v1 := mustVault(t, "passphrase-one")
	v2 := mustVault(t, "passphrase-two")

	if v1.key == v2.key {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestEmptyPassphraseRejected(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestBadNonce(t *testing.T) {
	v := mustVault(t, "p")
	if _, err := v.Open("k", []byte("x"), []byte("short")); err == nil {
		t.Fatal("expected error for bad nonce")
	}
}

func newKeyring(t *testing.T) *Keyring {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "vault.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewKeyring(s, mustVault(t, "test"))
}

func TestKeyringResolve(t *testing.T) {
	k := newKeyring(t)
	ctx := context.Background()

	if err := k.Put(ctx, "anthropic", "llm key", []byte("sk-ant-abc")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := k.Resolve(ctx, "secret:anthropic")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "sk-ant-abc" {
		t.Errorf("got %q", got)
	}

	got, _ = k.Resolve(ctx, "literal-key")
	if got != "literal-key" {
		t.Errorf("literal values pass through, got %q", got)
	}

	if _, err := k.Resolve(ctx, "secret:missing"); err == nil {
		t.Error("expected error for missing secret")
	}

	// Overwrite keeps one row.
	_ = k.Put(ctx, "anthropic", "rotated", []byte("sk-ant-def"))
	list, _ := k.List(ctx)
	if len(list) != 1 || list[0].Description != "rotated" {
		t.Errorf("unexpected list: %+v", list)
	}
	got, _ = k.Resolve(ctx, "secret:anthropic")
	if got != "sk-ant-def" {
		t.Errorf("expected rotated value, got %q", got)
	}
}

func TestNilKeyringResolve(t *testing.T) {
	var k *Keyring
	got, err := k.Resolve(context.Background(), "plain")
	if err != nil || got != "plain" {
		t.Fatalf("plain value through nil keyring: %q %v", got, err)
	}
	if _, err := k.Resolve(context.Background(), "secret:x"); err == nil {
		t.Fatal("expected error resolving reference without vault")
	}
}
