// Package storagetest holds behavior checks every KeyValueStore backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-docsync/storage"
)

// Run exercises a backend. newStore must return a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.KeyValueStore) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		_, err := s.Get(context.Background(), "docsync:missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "docsync:offline_queue", []byte(`[1]`)))
		require.NoError(t, s.Set(ctx, "docsync:offline_queue", []byte(`[1,2]`)))

		got, err := s.Get(ctx, "docsync:offline_queue")
		require.NoError(t, err)
		assert.Equal(t, `[1,2]`, string(got))
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "a", []byte("1")))
		require.NoError(t, s.Set(ctx, "a/b", []byte("2")))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "1", string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("v")))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i)
				assert.NoError(t, s.Set(ctx, key, []byte(key)))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			key := fmt.Sprintf("k%d", i)
			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, key, string(got))
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		_, err := s.Get(context.Background(), "k")
		assert.ErrorIs(t, err, storage.ErrClosed)
		assert.ErrorIs(t, s.Set(context.Background(), "k", nil), storage.ErrClosed)
	})
}
