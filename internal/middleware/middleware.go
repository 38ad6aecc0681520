// Package middleware holds the HTTP middleware chain of the server.
package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"ipamd/internal/logs"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

const HeaderRequestID = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// GetRequestID returns the id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Recoverer turns a handler panic into a 500 and logs the stack.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logs.Logger.WithFields(logrus.Fields{
					"request_id": GetRequestID(r.Context()),
					"panic":      rec,
				}).Error(string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// LoggerMW writes one access log line per request.
func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		entry := logs.Logger.WithFields(logrus.Fields{
			"request_id": GetRequestID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"bytes":      sw.bytes,
			"duration":   time.Since(start).String(),
		})
		if sw.status >= 500 {
			entry.Warn("http request")
			return
		}
		entry.Info("http request")
	})
}
