package httpx

import (
	"encoding/json"
	"net/http"
)

// Machine-readable reasons attached to 401 responses.
const (
	reasonMissingToken = "missing_token"
	reasonInvalidToken = "invalid_token"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAuthError rejects a request with 401 and a reason code.
func writeAuthError(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":  "authentication required",
		"reason": reason,
	})
}

func decodeJSON(req *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	// numeric snowflake IDs must keep their exact text
	dec.UseNumber()
	return dec.Decode(dst)
}
