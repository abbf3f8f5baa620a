package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/evara-health/voicegate/pkg/convo"
)

// StatsHandler exposes a point-in-time snapshot of one live conversation,
// looked up by call SID or session ID.
type StatsHandler struct {
	Registry *convo.Registry
	Logger   *slog.Logger
}

func (h StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	stats, ok := h.Registry.Stats(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// EndSessionHandler force-ends one live conversation. The bridge is canceled
// through the registry handle; the sockets close shortly after.
type EndSessionHandler struct {
	Registry *convo.Registry
	Logger   *slog.Logger
}

func (h EndSessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	res, ok := h.Registry.End(r.Context(), id, convo.StatusCancelled)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	if h.Logger != nil {
		h.Logger.Info("conversation ended via api", "key", id)
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
