package db

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleCounter provides thread-safe, write-through cached counters backed by Pebble.
// Counters are loaded on first access and cached in memory. Every write is
// synced before the in-memory value changes, so a value observed by a caller
// survives a crash.
type PebbleCounter struct {
	db     *pebble.DB
	prefix string

	mu       sync.RWMutex
	counters map[string]*pebbleCounterEntry
	lruOrder []string // Simple LRU tracking
	maxSize  int      // Max cached counters
}

type pebbleCounterEntry struct {
	mu    sync.Mutex
	value int64
}

// NewPebbleCounter creates a new persistent counter with LRU cache.
// prefix is prepended to all counter names for namespacing.
// maxCached limits memory usage (0 = default).
func NewPebbleCounter(db *pebble.DB, prefix string, maxCached int) *PebbleCounter {
	if maxCached <= 0 {
		maxCached = 1000 // Default max
	}
	return &PebbleCounter{
		db:       db,
		prefix:   prefix,
		counters: make(map[string]*pebbleCounterEntry),
		lruOrder: make([]string, 0, maxCached),
		maxSize:  maxCached,
	}
}

// key returns the Pebble key for a counter name
func (pc *PebbleCounter) key(name string) []byte {
	return []byte(pc.prefix + name)
}

// getOrLoad gets counter from cache or loads from Pebble
func (pc *PebbleCounter) getOrLoad(name string) (*pebbleCounterEntry, error) {
	// Fast path: check cache with read lock
	pc.mu.RLock()
	entry, exists := pc.counters[name]
	pc.mu.RUnlock()

	if exists {
		return entry, nil
	}

	// Slow path: load from DB and cache
	pc.mu.Lock()
	defer pc.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists = pc.counters[name]; exists {
		return entry, nil
	}

	var value int64
	val, closer, err := pc.db.Get(pc.key(name))
	if err == nil {
		if len(val) >= 8 {
			value = int64(binary.BigEndian.Uint64(val))
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, err
	}
	// ErrNotFound is fine - default to 0

	if len(pc.counters) >= pc.maxSize && pc.maxSize > 0 {
		pc.evictOldest()
	}

	entry = &pebbleCounterEntry{value: value}
	pc.counters[name] = entry
	pc.lruOrder = append(pc.lruOrder, name)

	return entry, nil
}

// evictOldest removes the oldest cached counter (must hold write lock)
func (pc *PebbleCounter) evictOldest() {
	if len(pc.lruOrder) == 0 {
		return
	}
	oldest := pc.lruOrder[0]
	pc.lruOrder = pc.lruOrder[1:]
	delete(pc.counters, oldest)
}

// persist writes the counter value to Pebble and syncs the WAL
func (pc *PebbleCounter) persist(name string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return pc.db.Set(pc.key(name), buf, pebble.Sync)
}

// Load returns the current value of a counter
func (pc *PebbleCounter) Load(name string) (int64, error) {
	entry, err := pc.getOrLoad(name)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.value, nil
}

// Store sets a counter to a specific value (write-through)
func (pc *PebbleCounter) Store(name string, value int64) error {
	entry, err := pc.getOrLoad(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := pc.persist(name, value); err != nil {
		return err
	}
	entry.value = value
	return nil
}

// Inc atomically increments a counter by delta and returns the new value (write-through)
func (pc *PebbleCounter) Inc(name string, delta int64) (int64, error) {
	entry, err := pc.getOrLoad(name)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	newValue := entry.value + delta
	if err := pc.persist(name, newValue); err != nil {
		return entry.value, err
	}
	entry.value = newValue
	return newValue, nil
}

// LoadUint64 returns the current value as uint64 (convenience method)
func (pc *PebbleCounter) LoadUint64(name string) (uint64, error) {
	v, err := pc.Load(name)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// StoreUint64 stores an unsigned value; the bit pattern round-trips through LoadUint64.
func (pc *PebbleCounter) StoreUint64(name string, value uint64) error {
	return pc.Store(name, int64(value))
}

// Invalidate removes a counter from cache (forces reload on next access)
func (pc *PebbleCounter) Invalidate(name string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.counters, name)
	for i, n := range pc.lruOrder {
		if n == name {
			pc.lruOrder = append(pc.lruOrder[:i], pc.lruOrder[i+1:]...)
			break
		}
	}
}
