package stubserver

import (
	"encoding/json"
	"net/http"
)

// writeJSON sends a JSON response. The widget client decodes payloads
// directly, so bodies are flat rather than wrapped in an envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError sends a JSON error body
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
