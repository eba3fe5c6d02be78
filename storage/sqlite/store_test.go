package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/storage"
	"github.com/c0deZ3R0/go-docsync/storage/storagetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	config := DefaultConfig(path)
	config.Logger = logging.Discard().Logger
	s, err := New(config)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.KeyValueStore {
		return newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	s := newTestStore(t, path)
	require.NoError(t, s.Set(ctx, "docsync:queue_metrics", []byte(`{"totalOperations":3}`)))
	require.NoError(t, s.Close())

	reopened := newTestStore(t, path)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "docsync:queue_metrics")
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalOperations":3}`, string(got))
}

func TestConfigDefaults(t *testing.T) {
	config := DefaultConfig("file:test.db")
	assert.Equal(t, "kv", config.TableName)
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, "file:test.db?_journal_mode=WAL", config.DataSourceName)

	config = DefaultConfig("file:test.db?cache=shared")
	assert.Equal(t, "file:test.db?cache=shared&_journal_mode=WAL", config.DataSourceName)
}

func TestRejectsBadTableName(t *testing.T) {
	config := DefaultConfig(filepath.Join(t.TempDir(), "kv.db"))
	config.TableName = "kv; DROP TABLE x"
	_, err := New(config)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Stats().OpenConnections)
}
