package admin

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/coordinator"
	"github.com/rs/zerolog/log"
)

// LogReader is the transaction log as seen by operators.
type LogReader interface {
	LastID() common.TransactionID
	Read(txid common.TransactionID) (*common.NotifyEntry, error)
	ReadSince(lastKnown common.TransactionID) iter.Seq2[*common.NotifyEntry, error]
	SchemaID() (uint64, error)
}

// IngestStatus reports the coordinator state.
type IngestStatus interface {
	Stats() coordinator.Stats
}

// SinkCursors reports publisher progress; optional.
type SinkCursors interface {
	Cursors() map[string]uint64
}

// AdminHandlers serves the operator endpoints
type AdminHandlers struct {
	reader LogReader
	ingest IngestStatus
	sinks  SinkCursors
	nodeID uint64
}

// NewAdminHandlers creates a new AdminHandlers instance. sinks may be nil.
func NewAdminHandlers(reader LogReader, ingest IngestStatus, sinks SinkCursors, nodeID uint64) *AdminHandlers {
	return &AdminHandlers{
		reader: reader,
		ingest: ingest,
		sinks:  sinks,
		nodeID: nodeID,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastID uint64) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastID != 0 {
		response["has_more"] = hasMore
		if lastID != 0 {
			response["last_id"] = lastID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1000 {
		return 0, fmt.Errorf("limit cannot exceed 1000")
	}
	return limit, nil
}

// parseTxnID parses a transaction id; zero is rejected.
func parseTxnID(s string) (common.TransactionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction ID: %w", err)
	}
	if v == 0 {
		return 0, fmt.Errorf("transaction ID must be positive")
	}
	return common.TransactionID(v), nil
}

// formatTimestamp converts unix milliseconds to RFC 3339
func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func entryResponse(e *common.NotifyEntry) map[string]interface{} {
	out := map[string]interface{}{
		"id":        uint64(e.ID),
		"dn":        e.DN,
		"command":   e.Command.String(),
		"line":      e.String(),
		"commit_ts": formatTimestamp(e.CommitTS),
		"body_size": len(e.Body),
	}
	if e.IsRename() {
		out["newrdn"] = e.NewRDN
		out["newsuperior"] = e.NewSuperior
		out["deleteoldrdn"] = e.DeleteOldRDN
	}
	return out
}
