package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"dtv-relay/work/logger"
)

// gzipWriterPool keeps BestSpeed writers around; rewritten playlists are small and
// requested every few seconds, so allocation matters more than ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressibleTypes are the content types worth compressing. Media segments are
// already compressed and are streamed untouched.
var compressibleTypes = []string{
	"mpegurl",
	"m3u8",
	"application/json",
	"text/",
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range compressibleTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// gzipResponseWriter decides at WriteHeader time whether to compress, based on the
// content type the handler has set by then.
type gzipResponseWriter struct {
	http.ResponseWriter
	request     *http.Request
	gz          *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	if status != http.StatusNoContent && status != http.StatusNotModified &&
		h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w.ResponseWriter)
		w.gz = gz
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Flush pushes compressed bytes out before flushing the connection.
func (w *gzipResponseWriter) Flush() {
	if w.gz != nil {
		w.gz.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *gzipResponseWriter) finish() {
	if w.gz == nil {
		return
	}
	if err := w.gz.Close(); err != nil {
		logger.Debug("{middleware/compression - finish} failed to close gzip writer for %s: %v", w.request.URL.Path, err)
	}
	gzipWriterPool.Put(w.gz)
	w.gz = nil
}

// Gzip compresses playlist and JSON responses for clients that accept gzip. Other
// responses, streamed media in particular, pass through as written.
func Gzip(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gzw := &gzipResponseWriter{ResponseWriter: w, request: r}
		defer gzw.finish()
		next.ServeHTTP(gzw, r)
	})
}
