package publisher

import "github.com/maxpert/ldapnotify/common"

// Event is one committed entry in the form handed to transformers.
type Event struct {
	TxnID        uint64
	DN           string
	Command      common.Command
	NewRDN       string
	NewSuperior  string
	DeleteOldRDN bool
	Body         []byte
	CommitTS     int64  // unix ms
	NodeID       uint64 // originating notifier
}

// EventFromEntry converts a committed entry.
func EventFromEntry(e *common.NotifyEntry, nodeID uint64) Event {
	return Event{
		TxnID:        uint64(e.ID),
		DN:           e.DN,
		Command:      e.Command,
		NewRDN:       e.NewRDN,
		NewSuperior:  e.NewSuperior,
		DeleteOldRDN: e.DeleteOldRDN,
		Body:         e.Body,
		CommitTS:     e.CommitTS,
		NodeID:       nodeID,
	}
}

// Sink represents a destination for events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if the entry with this DN should be published
	Match(dn string) bool
}
