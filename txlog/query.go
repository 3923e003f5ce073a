package txlog

import (
	"iter"

	"github.com/maxpert/ldapnotify/common"
)

// SchemaSource reports the current schema id.
type SchemaSource interface {
	SchemaID() (uint64, error)
}

// QueryService is the read-only view of the transaction log handed to
// consumers. It never mutates the store.
type QueryService struct {
	store  *Store
	schema SchemaSource
}

// NewQueryService wraps store. schema may be nil.
func NewQueryService(store *Store, schema SchemaSource) *QueryService {
	return &QueryService{store: store, schema: schema}
}

// LastID returns the highest committed id, 0 when nothing was committed.
func (q *QueryService) LastID() common.TransactionID {
	return q.store.LastID()
}

// Read returns one committed entry.
func (q *QueryService) Read(txid common.TransactionID) (*common.NotifyEntry, error) {
	return q.store.Read(txid)
}

// ReadSince yields committed entries newer than lastKnown.
func (q *QueryService) ReadSince(lastKnown common.TransactionID) iter.Seq2[*common.NotifyEntry, error] {
	return q.store.ReadSince(lastKnown)
}

// SchemaID returns the current schema id, 0 without a schema source.
func (q *QueryService) SchemaID() (uint64, error) {
	if q.schema == nil {
		return 0, nil
	}
	return q.schema.SchemaID()
}
