package admin

import (
	"net/http"
	"sort"
	"time"
)

// handleStatus reports log, schema and ingestion state
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	schemaID, err := h.reader.SchemaID()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats := h.ingest.Stats()
	ingest := map[string]interface{}{
		"passes":    stats.Passes,
		"failures":  stats.Failures,
		"coalesced": stats.Coalesced,
		"committed": stats.Committed,
		"skipped":   stats.Skipped,
		"pending":   stats.Pending,
		"running":   stats.Running,
	}
	if !stats.LastPassAt.IsZero() {
		ingest["last_pass_at"] = stats.LastPassAt.UTC().Format(time.RFC3339Nano)
	}
	if stats.FatalReason != "" {
		ingest["fatal"] = stats.FatalReason
	}

	writeJSONResponse(w, map[string]interface{}{
		"node_id":   h.nodeID,
		"last_id":   uint64(h.reader.LastID()),
		"schema_id": schemaID,
		"healthy":   stats.FatalReason == "",
		"ingest":    ingest,
	}, false, 0)
}

// handleSinks lists publisher cursors by sink name
func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	type sinkState struct {
		Name   string `json:"name"`
		Cursor uint64 `json:"cursor"`
		Lag    uint64 `json:"lag"`
	}

	out := []sinkState{}
	if h.sinks != nil {
		last := uint64(h.reader.LastID())
		for name, cursor := range h.sinks.Cursors() {
			s := sinkState{Name: name, Cursor: cursor}
			if last > cursor {
				s.Lag = last - cursor
			}
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	writeJSONResponse(w, out, false, 0)
}
