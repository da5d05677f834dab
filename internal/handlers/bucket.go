package handlers

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/policy"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/sse"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// BucketHandler serves bucket-level operations and subresources.
type BucketHandler struct {
	store        *store.Store
	quota        *quota.Manager
	wal          *wal.Writer
	region       string
	ownerID      string
	ownerDisplay string
}

// NewBucketHandler builds a BucketHandler. The WAL writer may be nil when
// write-ahead logging is disabled.
func NewBucketHandler(st *store.Store, qm *quota.Manager, w *wal.Writer, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		store:        st,
		quota:        qm,
		wal:          w,
		region:       region,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
	}
}

// ListBuckets handles GET / and returns every bucket with its creation date.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	infos, err := h.store.ListBuckets()
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	result := xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
	}
	for _, info := range infos {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         info.Name,
			CreationDate: xmlutil.FormatTimeS3(info.Created),
		})
	}
	xmlutil.Render(w, http.StatusOK, result)
}

// createBucketConfiguration is the optional CreateBucket request body.
type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

// CreateBucket handles PUT /{bucket}. Re-creating an existing bucket
// returns 200: every bucket here has the same owner, which is the S3
// us-east-1 behavior for an owned name.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !validateBucketName(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	// An optional CreateBucketConfiguration body names the region; only
	// well-formed XML is accepted but the constraint itself is not
	// validated against the server region.
	if r.ContentLength != 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
		if err == nil && len(body) > 0 {
			var cfg createBucketConfiguration
			if err := xml.Unmarshal(body, &cfg); err != nil {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
				return
			}
		}
	}

	if err := h.store.CreateBucket(bucket); err != nil {
		if errors.Is(err, store.ErrBucketExists) {
			// No mutation happened, so nothing is logged to the WAL.
			w.Header().Set("Location", "/"+bucket)
			w.WriteHeader(http.StatusOK)
			return
		}
		writeStoreError(w, r, err)
		return
	}

	if h.wal != nil {
		h.wal.LogCreateBucket(bucket)
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. Only empty buckets can be removed.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucket(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Forget(bucket)
	if h.wal != nil {
		h.wal.LogDeleteBucket(bucket)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. Responses carry no body; only the
// status code and the bucket region header.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location. The us-east-1 region
// is represented by an empty LocationConstraint, matching S3.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	constraint := h.region
	if constraint == "us-east-1" {
		constraint = ""
	}
	xmlutil.Render(w, http.StatusOK, xmlutil.LocationConstraint{Location: constraint})
}

// GetBucketVersioning handles GET /{bucket}?versioning. A bucket that has
// never been configured returns an empty configuration element.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	xmlutil.RenderVersioning(w, h.store.VersioningStatus(bucket))
}

// PutBucketVersioning handles PUT /{bucket}?versioning with a
// VersioningConfiguration body whose Status is Enabled or Suspended.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	var cfg xmlutil.VersioningConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if cfg.Status != store.VersioningEnabled && cfg.Status != store.VersioningSuspended {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.store.SetVersioningStatus(bucket, cfg.Status); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogUpdateMetadata(bucket, "versioning", cfg.Status)
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketPolicy handles GET /{bucket}?policy. Policies are the one JSON
// response on an otherwise XML surface.
func (h *BucketHandler) GetBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	doc, err := h.store.BucketPolicy(bucket)
	if err == store.ErrPolicyNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucketPolicy)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

// PutBucketPolicy handles PUT /{bucket}?policy. The document is validated
// before it is stored so the evaluator never sees a malformed policy.
func (h *BucketHandler) PutBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	if _, err := policy.Parse(body); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedPolicy)
		return
	}

	if err := h.store.SetBucketPolicy(bucket, string(body)); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogUpdateMetadata(bucket, "policy", string(body))
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBucketPolicy handles DELETE /{bucket}?policy. Removing an absent
// policy succeeds.
func (h *BucketHandler) DeleteBucketPolicy(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucketPolicy(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogDeleteMetadata(bucket, "policy")
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketEncryption handles GET /{bucket}?encryption.
func (h *BucketHandler) GetBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	cfg, err := h.store.BucketEncryptionConfig(bucket)
	if err == store.ErrConfigNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchEncryptionConfiguration)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	result := xmlutil.ServerSideEncryptionConfiguration{
		Rules: []xmlutil.SSERule{{
			ApplyServerSideEncryptionByDefault: xmlutil.SSEDefault{
				SSEAlgorithm:   cfg.Algorithm,
				KMSMasterKeyID: cfg.KMSKeyID,
			},
		}},
	}
	xmlutil.Render(w, http.StatusOK, result)
}

// PutBucketEncryption handles PUT /{bucket}?encryption. AES256 and aws:kms
// are accepted; kms keys are recorded but objects are sealed the same way.
func (h *BucketHandler) PutBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	var cfg xmlutil.ServerSideEncryptionConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil || len(cfg.Rules) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	def := cfg.Rules[0].ApplyServerSideEncryptionByDefault
	if def.SSEAlgorithm != sse.Algorithm && def.SSEAlgorithm != "aws:kms" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	enc := store.BucketEncryption{Algorithm: def.SSEAlgorithm, KMSKeyID: def.KMSMasterKeyID}
	if err := h.store.SetBucketEncryption(bucket, &enc); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		if raw, err := json.Marshal(enc); err == nil {
			h.wal.LogUpdateMetadata(bucket, "encryption", string(raw))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketEncryption handles DELETE /{bucket}?encryption.
func (h *BucketHandler) DeleteBucketEncryption(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucketEncryption(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogDeleteMetadata(bucket, "encryption")
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketCORS handles GET /{bucket}?cors.
func (h *BucketHandler) GetBucketCORS(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	cfg, err := h.store.BucketCORS(bucket)
	if err == store.ErrConfigNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchCORSConfiguration)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	xmlutil.Render(w, http.StatusOK, cfg)
}

// PutBucketCORS handles PUT /{bucket}?cors.
func (h *BucketHandler) PutBucketCORS(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	var cfg store.CORSConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil || len(cfg.CORSRules) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for _, rule := range cfg.CORSRules {
		if len(rule.AllowedMethods) == 0 || len(rule.AllowedOrigins) == 0 {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
	}

	if err := h.store.SetBucketCORS(bucket, &cfg); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		if raw, err := json.Marshal(&cfg); err == nil {
			h.wal.LogUpdateMetadata(bucket, "cors", string(raw))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketCORS handles DELETE /{bucket}?cors.
func (h *BucketHandler) DeleteBucketCORS(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucketCORS(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogDeleteMetadata(bucket, "cors")
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketLifecycle handles GET /{bucket}?lifecycle.
func (h *BucketHandler) GetBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	cfg, err := h.store.BucketLifecycle(bucket)
	if err == store.ErrConfigNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchLifecycleConfiguration)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	xmlutil.Render(w, http.StatusOK, cfg)
}

// PutBucketLifecycle handles PUT /{bucket}?lifecycle. Rules are stored as
// supplied; expiration is not executed by the serving path.
func (h *BucketHandler) PutBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	var cfg store.LifecycleConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil || len(cfg.Rules) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for _, rule := range cfg.Rules {
		if rule.Status != "Enabled" && rule.Status != "Disabled" {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
			return
		}
	}

	if err := h.store.SetBucketLifecycle(bucket, &cfg); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		if raw, err := json.Marshal(&cfg); err == nil {
			h.wal.LogUpdateMetadata(bucket, "lifecycle", string(raw))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketLifecycle handles DELETE /{bucket}?lifecycle.
func (h *BucketHandler) DeleteBucketLifecycle(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucketLifecycle(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogDeleteMetadata(bucket, "lifecycle")
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBucketTagging handles GET /{bucket}?tagging.
func (h *BucketHandler) GetBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	tags, err := h.store.BucketTags(bucket)
	if err == store.ErrConfigNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchTagSet)
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	renderTagging(w, tags)
}

// PutBucketTagging handles PUT /{bucket}?tagging.
func (h *BucketHandler) PutBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	tags, err := parseTagging(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := h.store.SetBucketTags(bucket, tags); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		if raw, err := json.Marshal(tags); err == nil {
			h.wal.LogUpdateMetadata(bucket, "tagging", string(raw))
		}
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteBucketTagging handles DELETE /{bucket}?tagging.
func (h *BucketHandler) DeleteBucketTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if err := h.store.DeleteBucketTags(bucket); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.wal != nil {
		h.wal.LogDeleteMetadata(bucket, "tagging")
	}
	w.WriteHeader(http.StatusNoContent)
}

// bucketQuotaDocument is the JSON body of the ?quota subresource.
type bucketQuotaDocument struct {
	MaxSizeBytes      int64 `json:"max_size_bytes"`
	CurrentUsageBytes int64 `json:"current_usage_bytes,omitempty"`
	ObjectCount       int64 `json:"object_count,omitempty"`
}

// GetBucketQuota handles GET /{bucket}?quota, a JSON subresource exposing
// the usage ceiling and current accounting.
func (h *BucketHandler) GetBucketQuota(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	q, err := h.quota.Quota(bucket)
	if err != nil {
		slog.Error("reading bucket quota", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	doc := bucketQuotaDocument{
		MaxSizeBytes:      q.MaxSizeBytes,
		CurrentUsageBytes: q.CurrentUsageBytes,
		ObjectCount:       q.ObjectCount,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// PutBucketQuota handles PUT /{bucket}?quota with a JSON body naming the
// new ceiling in bytes.
func (h *BucketHandler) PutBucketQuota(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBodySize))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}
	var doc bucketQuotaDocument
	if err := json.Unmarshal(body, &doc); err != nil || doc.MaxSizeBytes <= 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.quota.SetLimit(bucket, doc.MaxSizeBytes); err != nil {
		slog.Error("setting bucket quota", "bucket", bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketStats handles GET /{bucket}?stats, returning the operation
// counters for the month given by the `month` parameter (yyyy-mm,
// defaulting to the current month).
func (h *BucketHandler) GetBucketStats(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	stats, err := h.quota.Stats(bucket, month)
	if err != nil {
		slog.Error("reading bucket stats", "bucket", bucket, "month", month, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// GetBucketAcl handles GET /{bucket}?acl. A fixed owner FULL_CONTROL
// grant is returned; fine-grained ACLs are not enforced.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	xmlutil.Render(w, http.StatusOK, ownerACL(h.ownerID, h.ownerDisplay))
}

// PutBucketAcl handles PUT /{bucket}?acl. Canned ACL headers and grant
// bodies are accepted and discarded.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	io.Copy(io.Discard, io.LimitReader(r.Body, maxConfigBodySize))
	w.WriteHeader(http.StatusOK)
}
