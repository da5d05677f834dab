package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/uid"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// commonHeaders injects the standard S3 response headers on every
// response: x-amz-request-id, x-amz-id-2, Date, and Server. Error
// renderers read the request ID back from the response headers.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uid.RequestID()
		w.Header().Set("x-amz-request-id", requestID)
		w.Header().Set("x-amz-id-2", requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "driftstore")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status code and bytes written so
// middleware can observe the outcome after the handler returns.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request count, latency and size histograms.
// The /metrics endpoint itself is excluded to avoid self-instrumentation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rec.bytesWritten))
		}
	})
}

// recordOperation bumps the per-operation outcome counter.
func recordOperation(op, outcome string) {
	metrics.S3OperationsTotal.WithLabelValues(op, outcome).Inc()
}

// transferEncodingCheck rejects requests with a non-chunked
// Transfer-Encoding, which S3 does not support. Go's net/http strips the
// header but records unusual values in r.TransferEncoding, so both are
// checked.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// metaHeaderPrefix is the canonical form of "x-amz-meta-" produced by
// Go's textproto header canonicalization.
const metaHeaderPrefix = "X-Amz-Meta-"

// metadataHeaderWriter rewrites X-Amz-Meta-* response header keys to
// fully lowercase before the header block is flushed. S3 clients parse
// the metadata key portion case-sensitively, and Go's http.Header.Set
// title-cases keys.
type metadataHeaderWriter struct {
	http.ResponseWriter
	headerRewritten bool
}

func (mw *metadataHeaderWriter) rewriteMetaHeaders() {
	if mw.headerRewritten {
		return
	}
	mw.headerRewritten = true

	h := mw.ResponseWriter.Header()
	for key, values := range h {
		if strings.HasPrefix(key, metaHeaderPrefix) {
			lowerKey := strings.ToLower(key)
			if lowerKey != key {
				delete(h, key)
				h[lowerKey] = values
			}
		}
	}
}

func (mw *metadataHeaderWriter) WriteHeader(code int) {
	mw.rewriteMetaHeaders()
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metadataHeaderWriter) Write(b []byte) (int, error) {
	mw.rewriteMetaHeaders()
	return mw.ResponseWriter.Write(b)
}

func (mw *metadataHeaderWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metadataHeaderMiddleware wraps the response writer so x-amz-meta-*
// headers reach the wire with lowercase keys.
func metadataHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&metadataHeaderWriter{ResponseWriter: w}, r)
	})
}
