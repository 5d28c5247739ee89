package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestVaultCredentials_RoundTrip(t *testing.T) {
	v, s := testVault(t)
	creds := NewVaultCredentials(v)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "lms", "alice", map[string]any{
		"token":   "t-123",
		"region":  "eu",
		"refresh": nil,
	}))
	assert.Contains(t, s.data, "plugin/lms/alice")

	got, err := creds.ResolveCredentials(ctx, "lms", "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"token": "t-123", "region": "eu"}, got)
}

func TestVaultCredentials_MissingIsEmpty(t *testing.T) {
	v, _ := testVault(t)
	creds := NewVaultCredentials(v)

	got, err := creds.ResolveCredentials(context.Background(), "lms", "nobody")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestVaultCredentials_CorruptEntry(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, CredentialKey("lms", "alice"), []byte("not json")))

	_, err := NewVaultCredentials(v).ResolveCredentials(ctx, "lms", "alice")
	assert.Equal(t, schema.ErrCodeVault, schema.ErrorCode(err))
}

func TestVaultCredentials_PluginsAndDelete(t *testing.T) {
	v, _ := testVault(t)
	creds := NewVaultCredentials(v)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "lms", "alice", map[string]any{"k": 1}))
	require.NoError(t, creds.StoreCredentials(ctx, "github", "alice", map[string]any{"k": 2}))
	require.NoError(t, creds.StoreCredentials(ctx, "lms", "bob", map[string]any{"k": 3}))
	require.NoError(t, v.Store(ctx, "unrelated", []byte("x")))

	plugins, err := creds.Plugins(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "lms"}, plugins)

	require.NoError(t, creds.DeleteCredentials(ctx, "github", "alice"))
	plugins, err = creds.Plugins(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"lms"}, plugins)
}

func TestVaultCredentials_RequiresNames(t *testing.T) {
	v, _ := testVault(t)
	err := NewVaultCredentials(v).StoreCredentials(context.Background(), "", "alice", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
