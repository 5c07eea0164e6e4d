package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves health check status. A directory with unpersisted
// changes reports "degraded" with 503 so probes notice a failing disk.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.dir.Stats()

	backend := s.config.Storage.Backend
	if backend == "" {
		backend = "file"
	}

	status := "healthy"
	code := http.StatusOK
	if stats.HandlesDirty || stats.PendingDirty {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":             status,
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"online_users":       s.registry.Count(),
		"registered_handles": stats.Handles,
		"pending_messages":   stats.Pending,
		"handles_dirty":      stats.HandlesDirty,
		"pending_dirty":      stats.PendingDirty,
		"storage_backend":    backend,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
