package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mtzanidakis/foreman/internal/store"
)

// RefPrefix marks a config value that names a vault secret.
const RefPrefix = "secret:"

// SecretStore is the persistence the keyring needs; *store.Store satisfies it.
type SecretStore interface {
	SaveSecret(ctx context.Context, sec *store.Secret) error
	GetSecretByName(ctx context.Context, name string) (*store.Secret, error)
	ListSecrets(ctx context.Context) ([]store.Secret, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Keyring stores and resolves named secrets.
type Keyring struct {
	store SecretStore
	vault *Vault
}

func NewKeyring(s SecretStore, v *Vault) *Keyring {
	return &Keyring{store: s, vault: v}
}

func (k *Keyring) Put(ctx context.Context, name, description string, value []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is empty")
	}
	ct, nonce, err := k.vault.Seal(name, value)
	if err != nil {
		return err
	}
	return k.store.SaveSecret(ctx, &store.Secret{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Value:       ct,
		Nonce:       nonce,
	})
}

func (k *Keyring) Get(ctx context.Context, name string) ([]byte, error) {
	sec, err := k.store.GetSecretByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("secret %q not found", name)
	}
	return k.vault.Open(name, sec.Value, sec.Nonce)
}

func (k *Keyring) List(ctx context.Context) ([]store.Secret, error) {
	return k.store.ListSecrets(ctx)
}

func (k *Keyring) Delete(ctx context.Context, name string) error {
	return k.store.DeleteSecret(ctx, name)
}

// Resolve returns value unchanged unless it is a "secret:<name>" reference,
// in which case the decrypted secret is returned.
func (k *Keyring) Resolve(ctx context.Context, value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if k == nil {
		return "", fmt.Errorf("secret %q referenced but no vault passphrase is configured", name)
	}
	plaintext, err := k.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
