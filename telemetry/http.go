package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation id in and out.
const CorrelationHeader = "X-Correlation-ID"

// Middleware reuses or generates a correlation id, opens a server span and
// records the response status on it.
func Middleware(tracerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get(CorrelationHeader)
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := WithCorrelation(r.Context(), corr)
		w.Header().Set(CorrelationHeader, corr)

		ctx, span := StartSpan(ctx, tracerName, r.Method+" "+r.URL.Path)
		defer span.End()

		LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		SetHTTPStatus(span, rec.Status)
	})
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher if the underlying writer supports it.
func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
