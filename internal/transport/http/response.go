package httptransport

import (
	"encoding/json"
	"net/http"
)

// apiError is the uniform error envelope of the generation API. Handlers
// never put internal error types on the wire; consumers only see message.
type apiError struct {
	Message string `json:"message"`
}

// writeJSON renders v with the given status. Everything the API returns
// except raw result snapshots goes through here.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}
