package middleware

import (
	"net/http"
	"time"
)

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveRequest(route, method string, status int, d time.Duration)
}

// Metrics returns middleware that reports every request to obs, labelled by
// the matched route pattern rather than the raw path so ids do not explode
// label cardinality.
func Metrics(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			// ServeMux sets Pattern on the request it dispatched.
			obs.ObserveRequest(r.Pattern, r.Method, rw.statusCode, time.Since(start))
		})
	}
}
