package handlers

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/driftstore/driftstore/internal/chunked"
	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// maxPartNumber is the S3 ceiling on part numbers.
const maxPartNumber = 10000

// MultipartHandler serves multipart upload operations.
type MultipartHandler struct {
	store         *store.Store
	quota         *quota.Manager
	wal           *wal.Writer
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler builds a MultipartHandler. The WAL writer may be
// nil when write-ahead logging is disabled.
func NewMultipartHandler(st *store.Store, qm *quota.Manager, w *wal.Writer, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		store:         st,
		quota:         qm,
		wal:           w,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads and returns
// a fresh upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	manifest, err := h.store.InitiateUpload(bucket, key, r.Header.Get("Content-Type"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpMultipart)

	xmlutil.Render(w, http.StatusOK, xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: manifest.UploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID. An
// x-amz-copy-source header switches to the part-copy variant.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > maxPartNumber {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartNumber)
		return
	}

	manifest, _, err := h.store.ListParts(bucket, uploadID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if manifest.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		h.uploadPartCopy(w, r, bucket, uploadID, partNumber)
		return
	}

	size := r.ContentLength
	if chunked.IsChunked(r) {
		if decoded := chunked.DecodedLength(r); decoded >= 0 {
			size = decoded
		}
	}
	if h.maxObjectSize > 0 && size > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}
	if size > 0 {
		ok, err := h.quota.Check(bucket, size)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		if !ok {
			metrics.QuotaRejectionsTotal.Inc()
			xmlutil.WriteErrorResponse(w, r, s3err.ErrQuotaExceeded)
			return
		}
	}

	var body io.Reader = r.Body
	if chunked.IsChunked(r) {
		body = chunked.NewReader(r.Body)
	}

	part, err := h.store.UploadPart(bucket, uploadID, partNumber, body)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpMultipart)

	w.Header().Set("ETag", `"`+part.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy copies bytes from an existing object into a part,
// honoring an optional x-amz-copy-source-range.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, uploadID string, partNumber int) {
	srcBucket, srcKey, srcVersion, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcMeta, rc, err := h.store.GetObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	defer rc.Close()

	var body io.Reader = rc
	if copyRange := r.Header.Get("x-amz-copy-source-range"); copyRange != "" {
		start, end, rangeErr := parseRange(copyRange, srcMeta.Size)
		if rangeErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		if start > 0 {
			if _, err := io.CopyN(io.Discard, rc, start); err != nil {
				writeStoreError(w, r, err)
				return
			}
		}
		body = io.LimitReader(rc, end-start+1)
	}

	part, err := h.store.UploadPart(bucket, uploadID, partNumber, body)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpMultipart)

	xmlutil.Render(w, http.StatusOK, xmlutil.CopyPartResult{
		LastModified: xmlutil.FormatTimeS3(part.LastModified),
		ETag:         `"` + part.ETag + `"`,
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=ID: the
// part list must be strictly ascending and name only uploaded parts with
// matching ETags. The assembled object's ETag is the MD5 of the
// concatenated plaintext.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	manifest, stored, err := h.store.ListParts(bucket, uploadID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if manifest.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil || len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	storedByNumber := make(map[int]store.PartInfo, len(stored))
	for _, p := range stored {
		storedByNumber[p.PartNumber] = p
	}
	requested := make([]int, 0, len(parts))
	for _, p := range parts {
		rec, ok := storedByNumber[p.PartNumber]
		if !ok {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		if got := strings.Trim(p.ETag, `"`); got != "" && got != rec.ETag {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
			return
		}
		requested = append(requested, p.PartNumber)
	}

	meta, err := h.store.CompleteUpload(bucket, uploadID, requested)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if h.wal != nil {
		h.wal.LogPut(bucket, key, meta.Size, meta.ETag)
	}
	h.quota.Add(bucket, meta.Size)
	h.quota.Bump(bucket, quota.OpMultipart)

	if meta.VersionID != "" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	xmlutil.Render(w, http.StatusOK, xmlutil.CompleteMultipartUploadResult{
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     `"` + meta.ETag + `"`,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID. A
// second abort of the same upload is NoSuchUpload.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.store.AbortUpload(bucket, uploadID); err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpMultipart)
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID with
// part-number-marker and max-parts pagination.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	manifest, stored, err := h.store.ListParts(bucket, uploadID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if manifest.Key != key {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	marker := queryInt(q, "part-number-marker", 0)
	maxParts := queryInt(q, "max-parts", 1000)

	result := xmlutil.ListPartsResult{
		Bucket:           bucket,
		Key:              key,
		UploadID:         uploadID,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		Initiator:        xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
		Owner:            xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
		StorageClass:     store.DefaultStorageClass,
	}

	for _, p := range stored {
		if p.PartNumber <= marker {
			continue
		}
		if len(result.Parts) >= maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         `"` + p.ETag + `"`,
			Size:         p.Size,
		})
	}
	if result.IsTruncated && len(result.Parts) > 0 {
		result.NextPartNumberMarker = result.Parts[len(result.Parts)-1].PartNumber
	}

	xmlutil.Render(w, http.StatusOK, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads, sorted by key then
// upload ID with key-marker and max-uploads pagination.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	q := r.URL.Query()

	uploads, err := h.store.ListUploads(bucket)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	maxUploads := queryInt(q, "max-uploads", 1000)

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})

	result := xmlutil.ListMultipartUploadsResult{
		Bucket:     bucket,
		KeyMarker:  keyMarker,
		Prefix:     prefix,
		MaxUploads: maxUploads,
	}
	for _, u := range uploads {
		if prefix != "" && !strings.HasPrefix(u.Key, prefix) {
			continue
		}
		if keyMarker != "" && u.Key <= keyMarker {
			continue
		}
		if len(result.Uploads) >= maxUploads {
			result.IsTruncated = true
			break
		}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
			Owner:     xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
			Initiated: xmlutil.FormatTimeS3(u.Initiated),
		})
	}
	if result.IsTruncated && len(result.Uploads) > 0 {
		result.NextKeyMarker = result.Uploads[len(result.Uploads)-1].Key
	}

	xmlutil.Render(w, http.StatusOK, result)
}
