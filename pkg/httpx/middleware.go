package httpx

import (
	"log"
	"net/http"
	"regexp"
	"time"
)

var numericSegment = regexp.MustCompile(`/\d+`)

// AccessLog returns middleware that logs one line per request with its
// status and latency. Requests slower than slow are flagged.
func AccessLog(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			flag := ""
			if slow > 0 && elapsed > slow {
				flag = " (slow)"
			}
			log.Printf("%s %s %d %v%s", r.Method, normalizePath(r.URL.Path), rw.statusCode, elapsed.Round(time.Millisecond), flag)
		})
	}
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses numeric path segments so log lines group by route.
func normalizePath(path string) string {
	return numericSegment.ReplaceAllString(path, "/{id}")
}
