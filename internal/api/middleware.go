package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx, span := s.startRequestSpan(r, route)
		s.metrics.inFlight.Inc()
		defer s.metrics.inFlight.Dec()

		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		endRequestSpan(span, rec.status)
		s.metrics.observeRequest(r.Method, route, rec.status, elapsed)
		s.logRequest(r, route, rec, elapsed)
	})
}

func (s *Server) logRequest(r *http.Request, route string, rec *responseRecorder, elapsed time.Duration) {
	level := slog.LevelInfo
	switch {
	case rec.status >= 500:
		level = slog.LevelError
	case route == "/metrics" || route == "/healthz":
		level = slog.LevelDebug
	}
	s.logger.Log(r.Context(), level, "http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"bytes", rec.bytes,
		"duration", elapsed,
		"remote", clientAddr(r),
	)
}

func routeLabel(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	switch {
	case trimmed == "/thumbnails":
		return "/thumbnails/"
	case trimmed == "/jobs":
		return "/jobs/"
	case strings.HasPrefix(trimmed, "/jobs/"):
		rest := strings.TrimPrefix(trimmed, "/jobs/")
		if strings.HasSuffix(rest, "/thumbnail") {
			return "/jobs/{id}/thumbnail"
		}
		return "/jobs/{id}"
	case trimmed == "/healthz" || trimmed == "/health":
		return "/healthz"
	case trimmed == "/metrics":
		return "/metrics"
	default:
		return "other"
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
