// compression.go - HTTP compression middleware.
//
// Gzips text responses (JSON, plain text) for clients that accept it.
// Result archives are already deflated and pass through untouched.
package server

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// compressionResponseWriter wraps http.ResponseWriter to compress responses.
// The gzip stream starts with the status line, and only for statuses that
// carry a body.
type compressionResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

// Write compresses data before writing to the underlying writer.
func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	if !crw.wroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	if crw.gz == nil {
		return crw.ResponseWriter.Write(b)
	}
	return crw.gz.Write(b)
}

func (crw *compressionResponseWriter) WriteHeader(code int) {
	if code < http.StatusOK {
		crw.ResponseWriter.WriteHeader(code)
		return
	}
	if crw.wroteHeader {
		return
	}
	crw.wroteHeader = true
	if code != http.StatusNoContent && code != http.StatusNotModified {
		crw.Header().Set("Content-Encoding", "gzip")
		crw.Header().Del("Content-Length")
		crw.gz = gzip.NewWriter(crw.ResponseWriter)
	}
	crw.ResponseWriter.WriteHeader(code)
}

func (crw *compressionResponseWriter) close() error {
	if crw.gz == nil {
		return nil
	}
	return crw.gz.Close()
}

// compressionMiddleware returns middleware that compresses HTTP responses.
func compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Accept-Encoding")
		crw := &compressionResponseWriter{ResponseWriter: w}
		defer func() { _ = crw.close() }()

		next.ServeHTTP(crw, r)
	})
}

// acceptsCompression checks if the client accepts gzip encoding.
func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression skips archive downloads and the metrics endpoint,
// which negotiates its own encoding.
func shouldSkipCompression(r *http.Request) bool {
	path := r.URL.Path
	return strings.HasPrefix(path, "/download") || path == "/metrics"
}
