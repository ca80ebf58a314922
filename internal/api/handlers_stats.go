package api

import (
	"net/http"
)

func (s *Server) handleAIStats(w http.ResponseWriter, r *http.Request) {
	if s.aiStats == nil {
		jsonError(w, "ai stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model": s.aiName,
		"stats": s.aiStats.Snapshot(),
	})
}
