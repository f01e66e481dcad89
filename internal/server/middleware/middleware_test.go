package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthKeySources(t *testing.T) {
	h := Auth("k3y")(ok)

	tests := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{"no key", "/api/status", nil, http.StatusUnauthorized},
		{"header", "/api/status", http.Header{"X-Api-Key": {"k3y"}}, http.StatusOK},
		{"bearer", "/api/status", http.Header{"Authorization": {"bearer k3y"}}, http.StatusOK},
		{"wrong bearer", "/api/status", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"basic scheme", "/api/status", http.Header{"Authorization": {"Basic k3y"}}, http.StatusUnauthorized},
		{"ws query", "/ws?api_key=k3y", nil, http.StatusOK},
		{"query only on ws", "/api/status?api_key=k3y", nil, http.StatusUnauthorized},
		{"health endpoint", "/api/health", nil, http.StatusOK},
		{"metrics endpoint", "/metrics", nil, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tc.target, tc.header)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Equal(t, `Bearer realm="lendingsim"`, rec.Header().Get("WWW-Authenticate"))
				assert.Contains(t, rec.Body.String(), `"error":"api key`)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(Auth("")(ok), http.MethodGet, "/api/status", nil).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example/"})(ok)
	origin := http.Header{"Origin": {"https://DASH.example"}}

	t.Run("simple request", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/simulation/market", origin)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://DASH.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("preflight", func(t *testing.T) {
		rec := serve(h, http.MethodOptions, "/api/runs/r1/archive", http.Header{
			"Origin":                        {"https://dash.example"},
			"Access-Control-Request-Method": {http.MethodPost},
		})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "Authorization, Content-Type, X-API-Key", rec.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("preflight for unserved method", func(t *testing.T) {
		rec := serve(h, http.MethodOptions, "/api/runs/r1", http.Header{
			"Origin":                        {"https://dash.example"},
			"Access-Control-Request-Method": {http.MethodDelete},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/status", http.Header{"Origin": {"https://evil.example"}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("metrics not exposed", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/metrics", origin)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("any origin", func(t *testing.T) {
		rec := serve(CORS(nil)(ok), http.MethodGet, "/api/status", http.Header{"Origin": {"https://x.example"}})
		assert.Equal(t, "https://x.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

type keyRecorder struct {
	keys  []string
	allow bool
}

func (k *keyRecorder) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	k.keys = append(k.keys, key)
	return k.allow, nil
}

func TestRateLimitClientKey(t *testing.T) {
	lim := &keyRecorder{allow: true}
	h := RateLimit(lim, 10, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))(ok)

	serve(h, http.MethodGet, "/api/status", http.Header{"X-Forwarded-For": {"203.0.113.9, 10.0.0.1"}})
	serve(h, http.MethodGet, "/api/status", http.Header{"X-Real-Ip": {"198.51.100.2"}})
	serve(h, http.MethodGet, "/api/status", http.Header{"X-Api-Key": {"k3y"}})
	serve(h, http.MethodGet, "/api/health", nil)

	require.Len(t, lim.keys, 3)
	assert.Equal(t, "api:ip:203.0.113.9", lim.keys[0])
	assert.Equal(t, "api:ip:198.51.100.2", lim.keys[1])
	assert.True(t, strings.HasPrefix(lim.keys[2], "api:key:"))
	assert.NotContains(t, lim.keys[2], "k3y")
	assert.Len(t, lim.keys[2], len("api:key:")+16)
}

func TestRateLimitRetryAfterRoundsUp(t *testing.T) {
	h := RateLimit(&keyRecorder{}, 1, 1500*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))(ok)
	rec := serve(h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestLoggingLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	body := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	})

	serve(Logging(logger)(body), http.MethodGet, "/ws?api_key=s3cret&since=1", nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.EqualValues(t, 503, line["status"])
	assert.EqualValues(t, 4, line["bytes"])
	assert.Equal(t, "api_key=REDACTED&since=1", line["query"])
	assert.NotContains(t, buf.String(), "s3cret")
}
