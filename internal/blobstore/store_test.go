package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fsStore, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemory(), "fs": fsStore}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "archive/1/w/0003", []byte("c3")))
			require.NoError(t, s.Put(ctx, "archive/1/w/0001", []byte("c1")))
			require.NoError(t, s.Put(ctx, "archive/1/x/0001", []byte("x1")))

			got, err := s.Get(ctx, "archive/1/w/0001")
			require.NoError(t, err)
			assert.Equal(t, []byte("c1"), got)

			keys, err := s.List(ctx, "archive/1/w/")
			require.NoError(t, err)
			assert.Equal(t, []string{"archive/1/w/0001", "archive/1/w/0003"}, keys)

			ok, err := s.Exists(ctx, "archive/1/x/0001")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.DeletePrefix(ctx, "archive/1/w/"))
			_, err = s.Get(ctx, "archive/1/w/0003")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Delete(ctx, "archive/1/x/0001"))
			require.NoError(t, s.Delete(ctx, "archive/1/x/0001"), "deleting twice is fine")
			ok, err = s.Exists(ctx, "archive/1/x/0001")
			require.NoError(t, err)
			assert.False(t, ok)

			keys, err = s.List(ctx, "missing/")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		for _, k := range []string{"", "/abs", "a/../b"} {
			assert.Error(t, s.Put(ctx, k, nil), "%s %q", name, k)
		}
	}
}
