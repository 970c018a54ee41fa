package storage

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// ServerConfig holds the object server settings.
type ServerConfig struct {
	// Token, when set, must be presented as a bearer token on uploads and downloads.
	Token         string
	MaxUploadSize int64
}

// DefaultServerConfig returns a ServerConfig with a 64 MiB upload limit.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{MaxUploadSize: 64 << 20}
}

// Handler serves the multipart upload protocol spoken by HTTPStore on top of
// an FSStore, plus plain downloads of stored objects.
func Handler(store *FSStore, cfg *ServerConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)

	objects := http.NewServeMux()
	objects.HandleFunc("POST /o/{path...}", handleUpload(store, cfg.MaxUploadSize, logger))
	objects.HandleFunc("GET /o/{path...}", handleDownload(store, logger))
	mux.Handle("/o/", bearerAuth(cfg.Token, objects))

	return applyMiddleware(mux, requestIDMiddleware, recoveryMiddleware(logger), loggingMiddleware(logger))
}

func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleUpload(store *FSStore, maxSize int64, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "bad_request",
				"message": "missing file part: " + err.Error(),
			})
			return
		}
		defer f.Close()

		meta, err := store.Put(r.Context(), r.PathValue("path"), hdr.Header.Get("Content-Type"), f)
		if err != nil {
			if errors.Is(err, ErrInvalidPath) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
				return
			}
			logger.Error("failed to store object", "error", err, "path", r.PathValue("path"))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": "failed to store object"})
			return
		}
		writeJSON(w, http.StatusCreated, meta)
	}
}

func handleDownload(store *FSStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, meta, err := store.Open(r.Context(), r.PathValue("path"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "object not found"})
				return
			}
			logger.Error("failed to open object", "error", err, "path", r.PathValue("path"))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": "failed to open object"})
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", meta.ContentType)
		if meta.SHA256 != "" {
			w.Header().Set("ETag", `"`+meta.SHA256+`"`)
		}
		io.Copy(w, rc)
	}
}

// bearerAuth rejects requests that do not carry token. An empty token disables the check.
func bearerAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := "Bearer " + token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "auth_failed",
				"message": "missing or invalid Authorization header",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			reqID, _ := r.Context().Value(contextKeyRequestID).(string)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: 0}
			defer func() {
				if rec := recover(); rec != nil {
					reqID, _ := r.Context().Value(contextKeyRequestID).(string)
					logger.Error("panic recovered", "error", rec, "request_id", reqID)
					if rw.statusCode == 0 {
						http.Error(rw, `{"error":"internal_error","message":"internal server error"}`, http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
