// Package secrets encrypts plugin credentials at rest. Values are sealed
// with AES-256-GCM, bound to their key, and only decrypted when a
// plugin_action step needs them.
package secrets

import "context"

// Vault seals and opens values by key. A missing key is NOT_FOUND; a value
// that fails to open is VAULT_ERROR.
type Vault interface {
	Store(ctx context.Context, key string, value []byte) error
	Resolve(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore holds sealed bytes without interpreting them. The memory and
// libSQL archives both implement it, so credentials live in the same
// database as the execution archive.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
