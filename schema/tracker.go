// Package schema keeps the schema id: a counter that is bumped whenever the
// content of the directory schema file changes, so consumers know when to
// reload their schema.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Counter names in the meta store
const (
	CounterSchemaID   = "schema_id"
	CounterSchemaHash = "schema_hash"
)

// Counter persists the schema id and the hash it was derived from.
type Counter interface {
	LoadUint64(name string) (uint64, error)
	StoreUint64(name string, value uint64) error
}

// Tracker compares the schema file against the last hash it saw.
type Tracker struct {
	path    string
	counter Counter
	mu      sync.Mutex
}

// NewTracker creates a tracker for the schema file at path.
func NewTracker(path string, counter Counter) *Tracker {
	return &Tracker{path: path, counter: counter}
}

// Refresh hashes the schema file and bumps the schema id when the content
// differs from the last refresh. A missing file is not a change.
func (t *Tracker) Refresh() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", t.path).Msg("Schema file not present")
			return false, nil
		}
		return false, fmt.Errorf("read schema %s: %w", t.path, err)
	}

	sum := xxhash.Sum64(data)
	prev, err := t.counter.LoadUint64(CounterSchemaHash)
	if err != nil {
		return false, fmt.Errorf("load schema hash: %w", err)
	}
	if prev == sum {
		return false, nil
	}

	id, err := t.counter.LoadUint64(CounterSchemaID)
	if err != nil {
		return false, fmt.Errorf("load schema id: %w", err)
	}
	id++
	if err := t.counter.StoreUint64(CounterSchemaID, id); err != nil {
		return false, fmt.Errorf("store schema id: %w", err)
	}
	if err := t.counter.StoreUint64(CounterSchemaHash, sum); err != nil {
		return false, fmt.Errorf("store schema hash: %w", err)
	}

	telemetry.SchemaID.Set(float64(id))
	log.Info().Uint64("schema_id", id).Str("path", t.path).Msg("Schema changed")
	return true, nil
}

// SchemaID returns the current schema id, 0 if the schema was never seen.
func (t *Tracker) SchemaID() (uint64, error) {
	return t.counter.LoadUint64(CounterSchemaID)
}
