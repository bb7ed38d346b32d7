package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/sealbox"
)

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	testCases := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "empty", key: "", wantErr: "secret key is empty"},
		{name: "whitespace", key: "   ", wantErr: "secret key is empty"},
		{name: "absolute", key: "/absolute/path", wantErr: "invalid secret key"},
		{name: "traversal", key: "../escape", wantErr: "invalid secret key"},
		{name: "deep traversal", key: "../../secret", wantErr: "invalid secret key"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Put(context.Background(), tc.key, "value")
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestStorePutGetRoundTripAndPermissions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewStore(root)
	key := "walletd/wallets/w-1/server_secret"
	want := "top-secret"

	err := store.Put(context.Background(), key, want)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	secretPath := filepath.Join(root, key)
	info, err := os.Stat(secretPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(secretFileMod), info.Mode().Perm())
}

func TestStoreSealsValuesWithMasterKey(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewStore(root, WithMasterKey("master"), WithKDF(sealbox.FastKDF))
	key := "walletd/wallets/w-1/server_secret"

	require.NoError(t, store.Put(context.Background(), key, "abandon ability able"))

	raw, err := os.ReadFile(filepath.Join(root, key))
	require.NoError(t, err)
	assert.True(t, sealbox.IsSealed(raw))
	assert.NotContains(t, string(raw), "abandon")

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "abandon ability able", got)

	_, err = NewStore(root).Get(context.Background(), key)
	require.ErrorContains(t, err, "no master key")

	_, err = NewStore(root, WithMasterKey("wrong")).Get(context.Background(), key)
	require.ErrorIs(t, err, sealbox.ErrAuthFailed)
}

func TestStoreGetMissingSecret(t *testing.T) {
	t.Parallel()

	_, err := NewStore(t.TempDir()).Get(context.Background(), "walletd/wallets/none/server_secret")
	require.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestStoreDeleteIsIdempotentWhenSecretMissing(t *testing.T) {
	t.Parallel()

	store := NewStore(t.TempDir())
	key := "walletd/wallets/w-1/server_secret"

	err := store.Delete(context.Background(), key)
	require.NoError(t, err)

	err = store.Delete(context.Background(), key)
	require.NoError(t, err)
}
