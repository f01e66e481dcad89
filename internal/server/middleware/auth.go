package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// wsPath is the WebSocket upgrade endpoint. Browsers cannot attach headers
// to an upgrade request, so it also accepts the key as ?api_key=.
const wsPath = "/ws"

// Auth requires the static API key on every request except the health and metrics endpoints. The key
// is read from X-API-Key, then an Authorization Bearer token, then the
// api_key query parameter on /ws. An empty apiKey disables the check.
func Auth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 || isOpsPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			got := presentedKey(r)
			switch {
			case got == "":
				deny(w, "api key required")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				deny(w, "api key rejected")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// isOpsPath reports whether path is the health or metrics endpoint. Both
// skip auth, rate limiting and CORS.
func isOpsPath(path string) bool {
	return path == "/api/health" || path == "/metrics"
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if r.URL.Path == wsPath {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lendingsim"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
