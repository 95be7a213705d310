package secrets

import (
	"context"
	"strings"
)

// RefPrefix marks an action parameter value as a secret reference.
// "secret://API_TOKEN" resolves to the plaintext stored under API_TOKEN.
const RefPrefix = "secret://"

// Vault resolves secret references at action-dispatch time. Secrets are
// encrypted at rest (AES-256-GCM) and decrypted in-memory only; plaintext
// never reaches the store or the audit log.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// IsRef reports whether a parameter value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// RefKey extracts the vault key from a secret reference. Returns "" for
// non-references.
func RefKey(value string) string {
	if !IsRef(value) {
		return ""
	}
	return strings.TrimPrefix(value, RefPrefix)
}

// ResolveString passes plain values through and resolves secret
// references against the vault. A nil vault rejects references so a
// misconfigured deployment fails loudly instead of sending the literal
// "secret://..." string to an external system.
func ResolveString(ctx context.Context, vault Vault, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	if vault == nil {
		return "", errNoVault(RefKey(value))
	}
	plaintext, err := vault.Resolve(ctx, RefKey(value))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
