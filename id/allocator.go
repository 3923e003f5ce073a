// Package id hands out transaction ids. Ids are strictly increasing, never
// zero and never reused once committed; the high-water mark is persisted
// before an id is returned so a crash can only lose ids that were never
// written to the log.
package id

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/ldapnotify/common"
	"github.com/rs/zerolog/log"
)

// CounterName is the counter holding the allocator high-water mark.
const CounterName = "last_id"

// ErrExhausted is returned when the id space is used up.
var ErrExhausted = errors.New("transaction id space exhausted")

// Counter is the durable storage behind the allocator. db.PebbleCounter
// satisfies it.
type Counter interface {
	LoadUint64(name string) (uint64, error)
	StoreUint64(name string, value uint64) error
}

// Allocator assigns transaction ids. Callers serialize appends themselves;
// the mutex only protects readers of Last.
type Allocator struct {
	mu      sync.Mutex
	counter Counter
	last    common.TransactionID
}

// NewAllocator creates an allocator over counter. Recover must be called
// before the first NextID.
func NewAllocator(counter Counter) *Allocator {
	return &Allocator{counter: counter}
}

// Recover reconciles the persisted mark with the last id found in the index.
// The index is authoritative: ids handed out but never indexed are reclaimed,
// and a counter behind the index is moved forward.
func (a *Allocator) Recover(indexLast common.TransactionID) (common.TransactionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.counter.LoadUint64(CounterName)
	if err != nil {
		return 0, fmt.Errorf("failed to load id counter: %w", err)
	}

	if common.TransactionID(stored) != indexLast {
		log.Warn().
			Uint64("counter", stored).
			Uint64("index", uint64(indexLast)).
			Msg("Transaction id counter disagrees with index, using index")
		if err := a.counter.StoreUint64(CounterName, uint64(indexLast)); err != nil {
			return 0, fmt.Errorf("failed to correct id counter: %w", err)
		}
	}

	a.last = indexLast
	return a.last, nil
}

// NextID returns last+1 after persisting it.
func (a *Allocator) NextID() (common.TransactionID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last == ^common.TransactionID(0) {
		return 0, ErrExhausted
	}

	next := a.last + 1
	if err := a.counter.StoreUint64(CounterName, uint64(next)); err != nil {
		return 0, fmt.Errorf("failed to persist id %d: %w", next, err)
	}
	a.last = next
	return next, nil
}

// Reset rewinds the mark to to. Used after an append was rolled back so the
// committed ids stay gap free.
func (a *Allocator) Reset(to common.TransactionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.counter.StoreUint64(CounterName, uint64(to)); err != nil {
		return fmt.Errorf("failed to rewind id counter to %d: %w", to, err)
	}
	a.last = to
	return nil
}

// Last returns the most recently allocated id, 0 if none.
func (a *Allocator) Last() common.TransactionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
