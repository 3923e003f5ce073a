package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/txlog"
)

// handleTransaction returns one entry by id
func (h *AdminHandlers) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txid, err := parseTxnID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.reader.Read(txid)
	if errors.Is(err, txlog.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to read transaction: %v", err))
		return
	}

	writeJSONResponse(w, entryResponse(e), false, 0)
}

// handleLastTransaction returns the newest committed entry
func (h *AdminHandlers) handleLastTransaction(w http.ResponseWriter, r *http.Request) {
	last := h.reader.LastID()
	if last == 0 {
		writeErrorResponse(w, http.StatusNotFound, "no transactions yet")
		return
	}

	e, err := h.reader.Read(last)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to read transaction: %v", err))
		return
	}
	writeJSONResponse(w, entryResponse(e), false, 0)
}

// handleTransactionRange lists entries after ?since= (default 0), up to ?limit=
func (h *AdminHandlers) handleTransactionRange(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = v
	}

	entries := make([]map[string]interface{}, 0, limit)
	var lastID uint64
	hasMore := false
	for e, err := range h.reader.ReadSince(common.TransactionID(since)) {
		if errors.Is(err, txlog.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to read transactions: %v", err))
			return
		}
		if len(entries) == limit {
			hasMore = true
			break
		}
		entries = append(entries, entryResponse(e))
		lastID = uint64(e.ID)
	}

	writeJSONResponse(w, entries, hasMore, lastID)
}
