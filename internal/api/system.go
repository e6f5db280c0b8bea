package api

import (
	"net/http"
)

// handleReload re-reads the configuration file and reconciles the device
// set. Devices that fail validation are skipped and reported in the log;
// the response carries the joined error text.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeUnavailable(w, "reload not available")
		return
	}

	if err := s.reload(r.Context()); err != nil {
		s.logger.Warn("reload reported errors", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "reloaded_with_errors",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
}
