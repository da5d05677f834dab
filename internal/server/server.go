// Package server implements the driftstore HTTP server and its
// S3-compatible request dispatcher.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/driftstore/driftstore/internal/auth"
	"github.com/driftstore/driftstore/internal/config"
	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/handlers"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
	"github.com/driftstore/driftstore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server routes incoming requests to the matching S3 operation handler
// by method, path shape and subresource query parameter.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      *store.Store
	quota      *quota.Manager
	wal        *wal.Writer
	verifier   *auth.SigV4Verifier
	bucket     *handlers.BucketHandler
	object     *handlers.ObjectHandler
	multi      *handlers.MultipartHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets the object store.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithQuota sets the quota manager.
func WithQuota(qm *quota.Manager) Option {
	return func(s *Server) { s.quota = qm }
}

// WithWAL sets the write-ahead log writer. Leaving it unset disables WAL
// emission.
func WithWAL(w *wal.Writer) Option {
	return func(s *Server) { s.wal = w }
}

// New wires the router, the Huma API surface and the operation handlers.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("driftstore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	creds := auth.Credentials{cfg.Auth.AccessKey: cfg.Auth.SecretKey}
	s.verifier = auth.NewSigV4Verifier(creds, cfg.Server.Region)

	ownerID := cfg.Auth.AccessKey
	ownerDisplay := cfg.Auth.AccessKey
	s.bucket = handlers.NewBucketHandler(s.store, s.quota, s.wal, ownerID, ownerDisplay, cfg.Server.Region)
	s.object = handlers.NewObjectHandler(s.store, s.quota, s.wal, ownerID, ownerDisplay, cfg.Server.MaxObjectSize)
	s.multi = handlers.NewMultipartHandler(s.store, s.quota, s.wal, ownerID, ownerDisplay, cfg.Server.MaxObjectSize)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware order, outermost first: metrics, common headers, transfer
// encoding check, authentication, metadata header rewrite.
func (s *Server) ListenAndServe(addr string) error {
	var handler http.Handler = s.router
	handler = metadataHeaderMiddleware(handler)
	handler = auth.Middleware(s.verifier)(handler)
	handler = transferEncodingCheck(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes mounts the system endpoints and the S3 catch-all. Chi
// matches specific routes first, so /health, /docs, /openapi and
// /metrics win over the wildcard.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the driftstore server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma registers one method per operation; HEAD probes need their own.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Kubernetes-style probes with empty bodies. Readiness requires the
	// storage root to be reachable.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if _, err := os.Stat(s.store.Root()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath splits the request path into bucket and key. Returns
// ("", "") for the service root, ("bucket", "") for bucket paths, and
// ("bucket", "key/path") otherwise.
func parsePath(path string) (bucket, key string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "", ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// unsupportedSubresources are recognized S3 subresource parameters this
// server does not implement. They route to NotImplemented rather than
// falling through to a plain bucket or object operation.
var unsupportedSubresources = []string{
	"accelerate", "analytics", "attributes", "intelligent-tiering",
	"inventory", "legal-hold", "logging", "metrics", "notification",
	"object-lock", "publicAccessBlock", "replication", "requestPayment",
	"restore", "retention", "select", "torrent", "website",
}

// dispatch routes a request by method, path shape and subresource.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	q := r.URL.Query()

	if r.Method == http.MethodOptions {
		s.serve("Preflight", s.bucket.Preflight, w, r)
		return
	}

	for _, sub := range unsupportedSubresources {
		if q.Has(sub) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
			return
		}
	}

	// Service level.
	if bucket == "" {
		if r.Method == http.MethodGet {
			s.serve("ListBuckets", s.bucket.ListBuckets, w, r)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		return
	}

	if denied := handlers.Authorize(s.store, r, bucket, key); denied != nil {
		xmlutil.WriteErrorResponse(w, r, denied)
		return
	}

	if key != "" {
		s.dispatchObject(w, r, q)
		return
	}
	s.dispatchBucket(w, r, q)
}

func (s *Server) dispatchBucket(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	has := func(name string) bool { _, ok := q[name]; return ok }

	switch r.Method {
	case http.MethodPut:
		switch {
		case has("versioning"):
			s.serve("PutBucketVersioning", s.bucket.PutBucketVersioning, w, r)
		case has("policy"):
			s.serve("PutBucketPolicy", s.bucket.PutBucketPolicy, w, r)
		case has("encryption"):
			s.serve("PutBucketEncryption", s.bucket.PutBucketEncryption, w, r)
		case has("cors"):
			s.serve("PutBucketCors", s.bucket.PutBucketCORS, w, r)
		case has("lifecycle"):
			s.serve("PutBucketLifecycle", s.bucket.PutBucketLifecycle, w, r)
		case has("tagging"):
			s.serve("PutBucketTagging", s.bucket.PutBucketTagging, w, r)
		case has("quota"):
			s.serve("PutBucketQuota", s.bucket.PutBucketQuota, w, r)
		case has("acl"):
			s.serve("PutBucketAcl", s.bucket.PutBucketAcl, w, r)
		default:
			s.serve("CreateBucket", s.bucket.CreateBucket, w, r)
		}
	case http.MethodGet:
		switch {
		case has("location"):
			s.serve("GetBucketLocation", s.bucket.GetBucketLocation, w, r)
		case has("versioning"):
			s.serve("GetBucketVersioning", s.bucket.GetBucketVersioning, w, r)
		case has("policy"):
			s.serve("GetBucketPolicy", s.bucket.GetBucketPolicy, w, r)
		case has("encryption"):
			s.serve("GetBucketEncryption", s.bucket.GetBucketEncryption, w, r)
		case has("cors"):
			s.serve("GetBucketCors", s.bucket.GetBucketCORS, w, r)
		case has("lifecycle"):
			s.serve("GetBucketLifecycle", s.bucket.GetBucketLifecycle, w, r)
		case has("tagging"):
			s.serve("GetBucketTagging", s.bucket.GetBucketTagging, w, r)
		case has("quota"):
			s.serve("GetBucketQuota", s.bucket.GetBucketQuota, w, r)
		case has("stats"):
			s.serve("GetBucketStats", s.bucket.GetBucketStats, w, r)
		case has("acl"):
			s.serve("GetBucketAcl", s.bucket.GetBucketAcl, w, r)
		case has("uploads"):
			s.serve("ListMultipartUploads", s.multi.ListMultipartUploads, w, r)
		case has("versions"):
			s.serve("ListObjectVersions", s.object.ListObjectVersions, w, r)
		case has("list-type"):
			s.serve("ListObjectsV2", s.object.ListObjectsV2, w, r)
		default:
			s.serve("ListObjects", s.object.ListObjects, w, r)
		}
	case http.MethodHead:
		s.serve("HeadBucket", s.bucket.HeadBucket, w, r)
	case http.MethodDelete:
		switch {
		case has("policy"):
			s.serve("DeleteBucketPolicy", s.bucket.DeleteBucketPolicy, w, r)
		case has("encryption"):
			s.serve("DeleteBucketEncryption", s.bucket.DeleteBucketEncryption, w, r)
		case has("cors"):
			s.serve("DeleteBucketCors", s.bucket.DeleteBucketCORS, w, r)
		case has("lifecycle"):
			s.serve("DeleteBucketLifecycle", s.bucket.DeleteBucketLifecycle, w, r)
		case has("tagging"):
			s.serve("DeleteBucketTagging", s.bucket.DeleteBucketTagging, w, r)
		default:
			s.serve("DeleteBucket", s.bucket.DeleteBucket, w, r)
		}
	case http.MethodPost:
		if has("delete") {
			s.serve("DeleteObjects", s.object.DeleteObjects, w, r)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}

func (s *Server) dispatchObject(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	has := func(name string) bool { _, ok := q[name]; return ok }

	switch r.Method {
	case http.MethodPut:
		switch {
		case has("partNumber") && has("uploadId"):
			s.serve("UploadPart", s.multi.UploadPart, w, r)
		case r.Header.Get("x-amz-copy-source") != "":
			s.serve("CopyObject", s.object.CopyObject, w, r)
		case has("tagging"):
			s.serve("PutObjectTagging", s.object.PutObjectTagging, w, r)
		case has("acl"):
			s.serve("PutObjectAcl", s.object.PutObjectAcl, w, r)
		default:
			s.serve("PutObject", s.object.PutObject, w, r)
		}
	case http.MethodGet:
		switch {
		case has("uploadId"):
			s.serve("ListParts", s.multi.ListParts, w, r)
		case has("tagging"):
			s.serve("GetObjectTagging", s.object.GetObjectTagging, w, r)
		case has("acl"):
			s.serve("GetObjectAcl", s.object.GetObjectAcl, w, r)
		default:
			s.serve("GetObject", s.object.GetObject, w, r)
		}
	case http.MethodHead:
		s.serve("HeadObject", s.object.HeadObject, w, r)
	case http.MethodDelete:
		switch {
		case has("uploadId"):
			s.serve("AbortMultipartUpload", s.multi.AbortMultipartUpload, w, r)
		case has("tagging"):
			s.serve("DeleteObjectTagging", s.object.DeleteObjectTagging, w, r)
		default:
			s.serve("DeleteObject", s.object.DeleteObject, w, r)
		}
	case http.MethodPost:
		switch {
		case has("uploads"):
			s.serve("CreateMultipartUpload", s.multi.CreateMultipartUpload, w, r)
		case has("uploadId"):
			s.serve("CompleteMultipartUpload", s.multi.CompleteMultipartUpload, w, r)
		default:
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
		}
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
	}
}

// serve runs a handler and records the per-operation outcome counter.
func (s *Server) serve(op string, h http.HandlerFunc, w http.ResponseWriter, r *http.Request) {
	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	h(rec, r)
	outcome := "success"
	if rec.statusCode >= 400 {
		outcome = "error"
	}
	recordOperation(op, outcome)
	if rec.statusCode >= 500 {
		slog.Warn("operation failed", "operation", op, "status", rec.statusCode, "path", r.URL.Path)
	}
}
