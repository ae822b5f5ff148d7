package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"audiocache/work/logger"
)

// APIKeyHeader carries the shared secret every request must present.
const APIKeyHeader = "X-API-Key"

// RequireSecret wraps a handler with shared-secret authentication. A bad or
// missing secret is terminal: 401, never retried by well-behaved clients.
// Comparison is constant-time so the secret can't be probed byte by byte.
func RequireSecret(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			// No secret configured means the surface is intentionally open,
			// e.g. local development.
			next(w, r)
			return
		}

		presented := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			logger.Debug("{middleware/auth - RequireSecret} Rejected request to %s from %s", r.URL.Path, r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}

		next(w, r)
	}
}
