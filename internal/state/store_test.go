package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{
		InMemory:          true,
		CacheSize:         16,
		RecentSearchLimit: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

type testPrefs struct {
	Language string `json:"language"`
	Onboard  bool   `json:"onboard"`
}

func TestStorePutGet(t *testing.T) {
	store := newTestStore(t)

	err := store.Put(KeyPreferences, testPrefs{Language: "en", Onboard: true})
	require.NoError(t, err)

	var got testPrefs
	found, err := store.Get(KeyPreferences, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "en", got.Language)
	assert.True(t, got.Onboard)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	var got testPrefs
	found, err := store.Get(KeyPreferences, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(KeyOnboarding, true))
	require.NoError(t, store.Delete(KeyOnboarding))

	var done bool
	found, err := store.Get(KeyOnboarding, &done)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreStaleSchemaVersionDiscarded(t *testing.T) {
	store := newTestStore(t)

	// Write an envelope with an old schema version directly
	env, err := json.Marshal(envelope{
		Version:   schemaVersion - 1,
		UpdatedAt: time.Now(),
		Data:      json.RawMessage(`{"language":"de"}`),
	})
	require.NoError(t, err)

	err = store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+KeyPreferences), env)
	})
	require.NoError(t, err)

	var got testPrefs
	found, err := store.Get(KeyPreferences, &got)
	require.NoError(t, err)
	assert.False(t, found, "stale schema versions must read as missing")
}

func TestStoreOverwriteIsLastWriteWins(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put(KeyPreferences, testPrefs{Language: "en"}))
	require.NoError(t, store.Put(KeyPreferences, testPrefs{Language: "fr"}))

	var got testPrefs
	found, err := store.Get(KeyPreferences, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fr", got.Language)
}

func TestRecordSearch(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordSearch("auth middleware"))
	require.NoError(t, store.RecordSearch("drift report"))
	require.NoError(t, store.RecordSearch("api gateway"))

	recent, err := store.RecentSearches()
	require.NoError(t, err)
	assert.Equal(t, []string{"api gateway", "drift report", "auth middleware"}, recent)
}

func TestRecordSearchDeduplicates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordSearch("drift report"))
	require.NoError(t, store.RecordSearch("api gateway"))
	require.NoError(t, store.RecordSearch("drift report"))

	recent, err := store.RecentSearches()
	require.NoError(t, err)
	assert.Equal(t, []string{"drift report", "api gateway"}, recent)
}

func TestRecordSearchBounded(t *testing.T) {
	store := newTestStore(t)

	for _, q := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, store.RecordSearch(q))
	}

	recent, err := store.RecentSearches()
	require.NoError(t, err)
	assert.Equal(t, []string{"five", "four", "three"}, recent)
}
