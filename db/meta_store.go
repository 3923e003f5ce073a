// Package db holds the notifier's small durable state: the transaction id
// high-water mark, the schema id and the read cursors of sources and sinks.
// Everything lives in one Pebble database under the data directory; the
// transaction log itself is kept in flat files by package txlog.
package db

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixCounter      = "/counter/"    // /counter/{name} -> int64
	PrefixSourceCursor = "/srccursor/"  // /srccursor/{source} -> uint64 byte offset
	PrefixSinkCursor   = "/sinkcursor/" // /sinkcursor/{sink} -> uint64 transaction id
)

// Pebble configuration constants. The meta store holds a handful of keys, so
// it runs with a small memtable.
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 2
	cacheSize                   = 8 << 20 // 8MB
	maxCachedCounters           = 16
)

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// MetaStore owns the Pebble database shared by counters and cursor stores.
type MetaStore struct {
	db       *pebble.DB
	path     string
	counters *PebbleCounter
	closed   atomic.Bool
}

// OpenMetaStore creates or opens the meta store at {dataDir}/meta.
func OpenMetaStore(dataDir string) (*MetaStore, error) {
	path := filepath.Join(dataDir, "meta")

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref() // DB will hold reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		Logger:                      &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store at %s: %w", path, err)
	}

	return &MetaStore{
		db:       db,
		path:     path,
		counters: NewPebbleCounter(db, prefixCounter, maxCachedCounters),
	}, nil
}

// Counters returns the named counter set.
func (m *MetaStore) Counters() *PebbleCounter {
	return m.counters
}

// Cursors returns a cursor store for the given key prefix.
func (m *MetaStore) Cursors(prefix string) (*CursorStore, error) {
	return NewCursorStore(m.db, prefix)
}

// Path returns the on-disk location of the store.
func (m *MetaStore) Path() string {
	return m.path
}

// Close flushes and closes the Pebble database
func (m *MetaStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("meta store already closed")
	}
	return m.db.Close()
}
