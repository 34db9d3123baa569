package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware sees the request first.
func Chain(h http.Handler, m ...Middleware) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// ErrorBody is the error envelope every API response uses.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const timeoutBody = `{"error":"timeout","message":"request timed out"}`

func WithBodyLimit(limitBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		if limitBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// WithTimeout answers 503 with a JSON error once d elapses.
func WithTimeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, timeoutBody)
	}
}

// WithRecover runs chi's Recoverer with a slog-backed log entry, and turns the 500 it
// writes into the JSON error envelope. Panics after the header was sent keep that status.
func WithRecover(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		recoverer := middleware.Recoverer(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := &panicEntry{logger: logger, path: r.URL.Path, requestID: RequestIDFromContext(r.Context())}
			rw := &recoverWriter{ResponseWriter: w, entry: entry}
			recoverer.ServeHTTP(rw, middleware.WithLogEntry(r, entry))
		})
	}
}

type panicEntry struct {
	logger    *slog.Logger
	path      string
	requestID string
	panicked  bool
}

// Write is a no-op; WithAccessLog owns the request line.
func (e *panicEntry) Write(int, int, http.Header, time.Duration, any) {}

func (e *panicEntry) Panic(v any, stack []byte) {
	e.panicked = true
	e.logger.Error("handler panic",
		"panic", v,
		"path", e.path,
		"request_id", e.requestID,
		"stack", string(stack),
	)
}

type recoverWriter struct {
	http.ResponseWriter
	entry *panicEntry
	wrote bool
}

func (w *recoverWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	if w.entry.panicked {
		WriteError(w.ResponseWriter, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recoverWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *recoverWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Error: code, Message: message})
}
