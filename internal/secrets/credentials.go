package secrets

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

const credentialPrefix = "plugin/"

// CredentialKey is the vault key holding owner's credentials for plugin.
func CredentialKey(plugin, owner string) string {
	return credentialPrefix + plugin + "/" + owner
}

// VaultCredentials stores per-owner plugin credentials as encrypted JSON
// objects and resolves them for plugin_action steps.
type VaultCredentials struct {
	vault Vault
}

// NewVaultCredentials wraps vault.
func NewVaultCredentials(vault Vault) *VaultCredentials {
	return &VaultCredentials{vault: vault}
}

// ResolveCredentials returns the stored credentials, or an empty map when
// the owner has none for plugin.
func (c *VaultCredentials) ResolveCredentials(ctx context.Context, plugin, owner string) (map[string]any, error) {
	raw, err := c.vault.Resolve(ctx, CredentialKey(plugin, owner))
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	creds := map[string]any{}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"credentials for %s are corrupt: %s", plugin, err.Error()).WithCause(err)
	}
	return creds, nil
}

// StoreCredentials replaces the owner's credentials for plugin. Nil values
// are dropped.
func (c *VaultCredentials) StoreCredentials(ctx context.Context, plugin, owner string, creds map[string]any) error {
	if plugin == "" || owner == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin and owner are required")
	}
	kept := make(map[string]any, len(creds))
	for k, v := range creds {
		if v != nil {
			kept[k] = v
		}
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "credentials are not serializable: %s", err.Error()).WithCause(err)
	}
	return c.vault.Store(ctx, CredentialKey(plugin, owner), data)
}

// DeleteCredentials removes the owner's credentials for plugin.
func (c *VaultCredentials) DeleteCredentials(ctx context.Context, plugin, owner string) error {
	return c.vault.Delete(ctx, CredentialKey(plugin, owner))
}

// Plugins lists the plugins owner has credentials for.
func (c *VaultCredentials) Plugins(ctx context.Context, owner string) ([]string, error) {
	keys, err := c.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, credentialPrefix)
		if !ok {
			continue
		}
		plugin, keyOwner, ok := strings.Cut(rest, "/")
		if ok && keyOwner == owner {
			out = append(out, plugin)
		}
	}
	sort.Strings(out)
	return out, nil
}
