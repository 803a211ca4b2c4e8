package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/metrics"
)

// Well-known state keys. Each key holds one JSON document wrapped in a
// versioned envelope.
const (
	KeyNotifications  = "notifications"
	KeyChatSessions   = "chat_sessions"
	KeyRecentSearches = "recent_searches"
	KeyPreferences    = "preferences"
	KeyOnboarding     = "onboarding"
)

// schemaVersion tags every persisted envelope. Entries written under a
// different version are discarded on read instead of migrated.
const schemaVersion = 1

const keyPrefix = "kv:"

// Config contains state store configuration
type Config struct {
	// Directory for the Badger database
	DataDir string

	// Run fully in memory (used by tests)
	InMemory bool

	// Size of the decoded-value read cache
	CacheSize int

	// Maximum entries kept under KeyRecentSearches
	RecentSearchLimit int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:           "./data",
		CacheSize:         128,
		RecentSearchLimit: 20,
	}
}

// envelope wraps every persisted value with its schema version
type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Store is a narrow key-value persistence layer for small client state.
// Writers are last-write-wins; there is no cross-process merge.
type Store struct {
	config  Config
	db      *badger.DB
	cache   *lru.Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open opens or creates the state database
func Open(config Config) (*Store, error) {
	logger := log.With().Str("component", "state").Logger()

	if config.CacheSize <= 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}
	if config.RecentSearchLimit <= 0 {
		config.RecentSearchLimit = DefaultConfig().RecentSearchLimit
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.DataDir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	cache, err := lru.New(config.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	return &Store{
		config:  config,
		db:      db,
		cache:   cache,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Get reads the value stored under key into out. It returns false when
// the key is absent or its envelope carries a stale schema version.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	if raw, ok := s.cache.Get(key); ok {
		s.metrics.StateOpsTotal.WithLabelValues("get", "cache_hit").Inc()
		if err := json.Unmarshal(raw.([]byte), out); err != nil {
			return false, fmt.Errorf("failed to decode cached state %q: %w", key, err)
		}
		return true, nil
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		s.metrics.StateOpsTotal.WithLabelValues("get", "miss").Inc()
		return false, nil
	}
	if err != nil {
		s.metrics.StateOpsTotal.WithLabelValues("get", "error").Inc()
		return false, fmt.Errorf("failed to read state %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable state entry")
		return false, nil
	}
	if env.Version != schemaVersion {
		s.logger.Warn().
			Str("key", key).
			Int("found", env.Version).
			Int("want", schemaVersion).
			Msg("Discarding state entry with stale schema version")
		return false, nil
	}

	s.metrics.StateOpsTotal.WithLabelValues("get", "ok").Inc()
	s.cache.Add(key, []byte(env.Data))

	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("failed to decode state %q: %w", key, err)
	}
	return true, nil
}

// Put stores a value under key, replacing any previous value
func (s *Store) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state %q: %w", key, err)
	}

	env, err := json.Marshal(envelope{
		Version:   schemaVersion,
		UpdatedAt: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode state envelope %q: %w", key, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), env)
	})
	if err != nil {
		s.metrics.StateOpsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}

	s.metrics.StateOpsTotal.WithLabelValues("put", "ok").Inc()
	s.cache.Add(key, data)
	return nil
}

// Delete removes the value stored under key
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		s.metrics.StateOpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}

	s.metrics.StateOpsTotal.WithLabelValues("delete", "ok").Inc()
	s.cache.Remove(key)
	return nil
}

// RecordSearch prepends a query to the recent-searches list, moving an
// existing entry to the front instead of duplicating it
func (s *Store) RecordSearch(query string) error {
	if query == "" {
		return nil
	}

	var recent []string
	if _, err := s.Get(KeyRecentSearches, &recent); err != nil {
		return err
	}

	updated := make([]string, 0, len(recent)+1)
	updated = append(updated, query)
	for _, q := range recent {
		if q != query {
			updated = append(updated, q)
		}
	}
	if len(updated) > s.config.RecentSearchLimit {
		updated = updated[:s.config.RecentSearchLimit]
	}

	return s.Put(KeyRecentSearches, updated)
}

// RecentSearches returns the persisted recent-search queries, newest first
func (s *Store) RecentSearches() ([]string, error) {
	var recent []string
	if _, err := s.Get(KeyRecentSearches, &recent); err != nil {
		return nil, err
	}
	return recent, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
