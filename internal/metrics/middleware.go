package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// responseWriter is a wrapper for http.ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns mux middleware recording request metrics on pm.
// Endpoints are labelled by route template so path variables such as peer
// addresses do not create new series.
func Middleware(pm *PrometheusMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pm.IncRequestsInFlight()
			defer pm.DecRequestsInFlight()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					endpoint = tpl
				}
			}
			pm.RecordRequest(r.Method, endpoint, strconv.Itoa(rw.statusCode))
			pm.ObserveRequestDuration(r.Method, endpoint, time.Since(start).Seconds())
		})
	}
}

// MetricsMiddleware wraps an HTTP handler with the singleton metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return Middleware(GetMetrics())(next)
}
