package routes

import (
	"net/http"
	"strconv"

	"paychat/storage"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

func (a *api) recentMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeValidation(w, "limit must be a positive integer", map[string]string{"limit": "is invalid"})
			return
		}
		limit = min(n, maxRecentLimit)
	}
	msgs, err := a.store.RecentMessages(r.Context(), limit)
	if err != nil {
		a.logger.Error("load recent messages failed", "limit", limit, "error", err)
		writeInternalError(w, "Failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
