// Package notify fans out commit signals to in-process consumers such as the
// publisher workers, so they can read new transactions without polling.
package notify

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maxpert/ldapnotify/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultSignalBufferSize is the buffer size for signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// CommitSignal reports that transactions up to LastID were committed from
// Source. A schema change is signalled with Source "schema".
type CommitSignal struct {
	Source string
	LastID common.TransactionID
}

// Filter restricts a subscription to some sources. Empty means all.
type Filter struct {
	Sources []string
}

type subscription struct {
	id     uint64
	filter Filter
	mu     sync.RWMutex // send vs close
	ch     chan CommitSignal
	closed bool
}

func (s *subscription) matches(source string) bool {
	return len(s.filter.Sources) == 0 || slices.Contains(s.filter.Sources, source)
}

func (s *subscription) send(sig CommitSignal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sig:
	default:
		// Buffer full, the subscriber still has an older signal to act on
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for commit signals.
type Hub struct {
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: xsync.NewMapOf[uint64, *subscription](),
	}
}

// Signal sends a commit signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(source string, lastID common.TransactionID) {
	sig := CommitSignal{Source: source, LastID: lastID}
	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if sub.matches(source) {
			sub.send(sig)
		}
		return true
	})
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan CommitSignal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan CommitSignal, defaultSignalBufferSize),
	}
	h.subscriptions.Store(sub.id, sub)

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	return h.subscriptions.Size()
}

func (h *Hub) unsubscribe(id uint64) {
	if sub, ok := h.subscriptions.LoadAndDelete(id); ok {
		sub.close()
	}
}
