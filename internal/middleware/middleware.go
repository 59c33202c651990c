package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cartridge/policyrt/internal/metrics"
)

// CorrelationHeader carries the request correlation ID.
const CorrelationHeader = "X-Correlation-ID"

// RequestLogger creates a zerolog-based request logger middleware
func RequestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&RequestLoggerFormatter{logger})
}

// RequestLoggerFormatter implements chi's LogFormatter interface
type RequestLoggerFormatter struct {
	Logger zerolog.Logger
}

func (l *RequestLoggerFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	correlationID := r.Header.Get(CorrelationHeader)
	if correlationID == "" {
		correlationID = uuid.New().String()
		r.Header.Set(CorrelationHeader, correlationID)
	}

	entry := &RequestLoggerEntry{
		Logger:        l.Logger,
		CorrelationID: correlationID,
		Method:        r.Method,
		URL:           r.URL.Path,
		RemoteAddr:    r.RemoteAddr,
	}

	entry.Logger.Debug().
		Str("correlation_id", correlationID).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("remote_addr", r.RemoteAddr).
		Msg("Request started")

	return entry
}

// RequestLoggerEntry implements chi's LogEntry interface
type RequestLoggerEntry struct {
	Logger        zerolog.Logger
	CorrelationID string
	Method        string
	URL           string
	RemoteAddr    string
}

func (l *RequestLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	level := zerolog.InfoLevel
	if status >= 400 && status < 500 {
		level = zerolog.WarnLevel
	} else if status >= 500 {
		level = zerolog.ErrorLevel
	}

	l.Logger.WithLevel(level).
		Str("correlation_id", l.CorrelationID).
		Str("method", l.Method).
		Str("url", l.URL).
		Str("remote_addr", l.RemoteAddr).
		Int("status", status).
		Int("bytes", bytes).
		Dur("elapsed", elapsed).
		Msg("Request completed")
}

func (l *RequestLoggerEntry) Panic(v interface{}, stack []byte) {
	l.Logger.Error().
		Str("correlation_id", l.CorrelationID).
		Str("method", l.Method).
		Str("url", l.URL).
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("Request panic")
}

// CorrelationID adds a correlation ID to requests if not present and echoes
// it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(CorrelationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
			r.Header.Set(CorrelationHeader, correlationID)
		}
		w.Header().Set(CorrelationHeader, correlationID)
		next.ServeHTTP(w, r)
	})
}

// RateLimiter applies one token bucket to every request. A non-positive
// requestsPerSecond disables limiting.
func RateLimiter(requestsPerSecond, burst int) func(next http.Handler) http.Handler {
	if requestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = requestsPerSecond
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records one API request metric per request, labelled by the
// matched route pattern rather than the raw path.
func Metrics(collector *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			collector.APIRequest(r.Method, route, status, time.Since(start))
		})
	}
}
