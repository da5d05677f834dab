package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/driftstore/driftstore/internal/chunked"
	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// maxObjectKeyLength is the S3 limit on object key bytes.
const maxObjectKeyLength = 1024

// ObjectHandler serves object-level operations.
type ObjectHandler struct {
	store         *store.Store
	quota         *quota.Manager
	wal           *wal.Writer
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewObjectHandler builds an ObjectHandler. The WAL writer may be nil
// when write-ahead logging is disabled.
func NewObjectHandler(st *store.Store, qm *quota.Manager, w *wal.Writer, ownerID, ownerDisplay string, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{
		store:         st,
		quota:         qm,
		wal:           w,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// PutObject handles PUT /{bucket}/{key} without a copy source. The quota
// check runs against the declared length before any body byte is read.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > maxObjectKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument.WithMessage("Your key is too long"))
		return
	}
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
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

	meta, err := h.store.PutObject(bucket, key, body, store.PutOptions{
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    extractUserMetadata(r),
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if h.wal != nil {
		h.wal.LogPut(bucket, key, meta.Size, meta.ETag)
	}
	h.quota.Add(bucket, meta.Size)
	h.quota.Bump(bucket, quota.OpPut)

	w.Header().Set("ETag", `"`+meta.ETag+`"`)
	if meta.VersionID != "" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	if meta.Encryption != nil {
		w.Header().Set("x-amz-server-side-encryption", meta.Encryption.Algorithm)
	}
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key}, optionally for a specific
// archived version. Conditional headers are evaluated before any body
// byte is sent; Range requests return 206 with a Content-Range.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()
	versionID := q.Get("versionId")

	meta, rc, err := h.store.GetObject(bucket, key, versionID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	defer rc.Close()

	h.quota.Bump(bucket, quota.OpGet)

	if status := checkConditionalHeaders(r, meta.ETag, meta.LastModified); status != 0 {
		w.Header().Set("ETag", `"`+meta.ETag+`"`)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.LastModified))
		w.WriteHeader(status)
		return
	}

	applyResponseOverrides(w, q)

	if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
		start, end, rangeErr := parseRange(rangeHdr, meta.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}
		if start > 0 {
			if seeker, ok := rc.(io.Seeker); ok {
				if _, err := seeker.Seek(start, io.SeekStart); err != nil {
					writeStoreError(w, r, err)
					return
				}
			} else if _, err := io.CopyN(io.Discard, rc, start); err != nil {
				writeStoreError(w, r, err)
				return
			}
		}
		length := end - start + 1
		setObjectResponseHeaders(w, meta)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.Size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, rc, length)
		return
	}

	setObjectResponseHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// HeadObject handles HEAD /{bucket}/{key}. Error responses carry status
// codes only; HEAD never has a body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	meta, err := h.store.HeadObject(bucket, key, versionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBucketNotFound),
			errors.Is(err, store.ErrObjectNotFound),
			errors.Is(err, store.ErrVersionNotFound):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	h.quota.Bump(bucket, quota.OpHead)

	if status := checkConditionalHeaders(r, meta.ETag, meta.LastModified); status != 0 {
		w.Header().Set("ETag", `"`+meta.ETag+`"`)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.LastModified))
		w.WriteHeader(status)
		return
	}

	setObjectResponseHeaders(w, meta)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting an absent key
// still returns 204; with ?versionId a single archived version is
// removed instead of the primary.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)
	versionID := r.URL.Query().Get("versionId")

	if versionID != "" {
		if _, err := h.store.DeleteObjectVersion(bucket, key, versionID); err != nil {
			writeStoreError(w, r, err)
			return
		}
		h.quota.Bump(bucket, quota.OpDelete)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	outcome, err := h.store.DeleteObject(bucket, key)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if outcome.Removed || outcome.Prefix {
		if h.wal != nil {
			h.wal.LogDelete(bucket, key)
		}
	}
	if outcome.Removed {
		h.quota.Remove(bucket, outcome.Size)
	}
	h.quota.Bump(bucket, quota.OpDelete)

	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete, the batch delete API. Each
// key succeeds or fails independently; Quiet mode suppresses the
// per-key success entries.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	if !h.store.BucketExists(bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	req, err := parseDeleteRequest(r.Body)
	if err != nil || len(req.Objects) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(req.Objects) > 1000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRequest.WithMessage("The XML you provided was not well-formed or did not validate against our published schema: too many keys"))
		return
	}

	var result xmlutil.DeleteResult
	for _, obj := range req.Objects {
		if obj.Key == "" {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key:     obj.Key,
				Code:    "InvalidArgument",
				Message: "Empty key name",
			})
			continue
		}

		var delErr error
		if obj.VersionID != "" {
			_, delErr = h.store.DeleteObjectVersion(bucket, obj.Key, obj.VersionID)
		} else {
			var outcome store.DeleteOutcome
			outcome, delErr = h.store.DeleteObject(bucket, obj.Key)
			if delErr == nil {
				if outcome.Removed || outcome.Prefix {
					if h.wal != nil {
						h.wal.LogDelete(bucket, obj.Key)
					}
				}
				if outcome.Removed {
					h.quota.Remove(bucket, outcome.Size)
				}
			}
		}

		if delErr != nil {
			code, msg := "InternalError", delErr.Error()
			if errors.Is(delErr, store.ErrVersionNotFound) {
				code, msg = "NoSuchVersion", "The specified version does not exist"
			}
			result.Errors = append(result.Errors, xmlutil.DeleteError{Key: obj.Key, Code: code, Message: msg})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	h.quota.Bump(bucket, quota.OpDelete)
	xmlutil.Render(w, http.StatusOK, result)
}

// CopyObject handles PUT /{bucket}/{key} with x-amz-copy-source. The
// source may name an archived version; the metadata directive selects
// between preserving and replacing the source sidecar fields.
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	dstBucket := extractBucketName(r)
	dstKey := extractObjectKey(r)

	srcBucket, srcKey, srcVersion, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if dstKey == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if !h.store.BucketExists(dstBucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcMeta, err := h.store.HeadObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if status := checkCopySourceConditionals(r, srcMeta.ETag, srcMeta.LastModified); status != 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	if srcMeta.Size > 0 {
		ok, err := h.quota.Check(dstBucket, srcMeta.Size)
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

	meta, err := h.store.CopyObject(srcBucket, srcKey, srcVersion, dstBucket, dstKey, store.CopyOptions{
		Directive:   r.Header.Get("x-amz-metadata-directive"),
		Metadata:    extractUserMetadata(r),
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if h.wal != nil {
		h.wal.LogPut(dstBucket, dstKey, meta.Size, meta.ETag)
	}
	h.quota.Add(dstBucket, meta.Size)
	h.quota.Bump(dstBucket, quota.OpPut)

	if meta.VersionID != "" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
	xmlutil.Render(w, http.StatusOK, xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(meta.LastModified),
		ETag:         `"` + meta.ETag + `"`,
	})
}

// ListObjects handles GET /{bucket} without list-type, the V1 listing.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	q := r.URL.Query()

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")
	encodingType := q.Get("encoding-type")
	maxKeys := queryInt(q, "max-keys", 1000)

	listing, err := h.store.ListObjects(bucket, store.ListOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpList)

	result := xmlutil.ListBucketResult{
		Name:         bucket,
		Prefix:       prefix,
		Marker:       marker,
		MaxKeys:      maxKeys,
		Delimiter:    delimiter,
		EncodingType: encodingType,
		IsTruncated:  listing.IsTruncated,
	}
	if listing.IsTruncated {
		result.NextMarker = listing.NextMarker
	}
	result.Contents = objectsToXML(listing.Contents, encodingType, true, h.ownerID, h.ownerDisplay)
	for _, cp := range listing.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(cp, encodingType),
		})
	}
	xmlutil.Render(w, http.StatusOK, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. The continuation token
// is the raw last key of the previous page; start-after applies only to
// the first page.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	q := r.URL.Query()

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	contToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")
	fetchOwner := q.Get("fetch-owner") == "true"
	maxKeys := queryInt(q, "max-keys", 1000)

	marker := startAfter
	if contToken != "" {
		marker = contToken
	}

	listing, err := h.store.ListObjects(bucket, store.ListOptions{
		Prefix:    prefix,
		Delimiter: delimiter,
		Marker:    marker,
		MaxKeys:   maxKeys,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpList)

	result := xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            prefix,
		StartAfter:        startAfter,
		ContinuationToken: contToken,
		MaxKeys:           maxKeys,
		Delimiter:         delimiter,
		EncodingType:      encodingType,
		IsTruncated:       listing.IsTruncated,
		KeyCount:          len(listing.Contents) + len(listing.CommonPrefixes),
	}
	if listing.IsTruncated {
		result.NextContinuationToken = listing.NextMarker
	}
	result.Contents = objectsToXML(listing.Contents, encodingType, fetchOwner, h.ownerID, h.ownerDisplay)
	for _, cp := range listing.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKeyURL(cp, encodingType),
		})
	}
	xmlutil.Render(w, http.StatusOK, result)
}

// objectsToXML converts sidecar records to listing entries. Owner is only
// attached when requested (always on V1, fetch-owner on V2).
func objectsToXML(metas []store.ObjectMeta, encodingType string, withOwner bool, ownerID, ownerDisplay string) []xmlutil.Object {
	var out []xmlutil.Object
	for _, m := range metas {
		obj := xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(m.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(m.LastModified),
			ETag:         `"` + m.ETag + `"`,
			Size:         m.Size,
			StorageClass: m.StorageClass,
		}
		if withOwner {
			obj.Owner = &xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay}
		}
		out = append(out, obj)
	}
	return out
}

// ListObjectVersions handles GET /{bucket}?versions: every key's history,
// newest first, the primary flagged IsLatest. Unversioned primaries
// report the literal version ID "null".
func (h *ObjectHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	q := r.URL.Query()

	prefix := q.Get("prefix")
	keyMarker := q.Get("key-marker")
	maxKeys := queryInt(q, "max-keys", 1000)

	listing, err := h.store.ListAllVersions(bucket, prefix, keyMarker, maxKeys)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	h.quota.Bump(bucket, quota.OpList)

	result := xmlutil.ListVersionsResult{
		Name:        bucket,
		Prefix:      prefix,
		KeyMarker:   keyMarker,
		MaxKeys:     maxKeys,
		IsTruncated: listing.IsTruncated,
	}
	if listing.IsTruncated {
		result.NextKeyMarker = listing.NextKeyMarker
	}
	for _, entry := range listing.Versions {
		versionID := entry.Meta.VersionID
		if versionID == "" {
			versionID = "null"
		}
		result.Versions = append(result.Versions, xmlutil.Version{
			Key:          entry.Meta.Key,
			VersionID:    versionID,
			IsLatest:     entry.IsLatest,
			LastModified: xmlutil.FormatTimeS3(entry.Meta.LastModified),
			ETag:         `"` + entry.Meta.ETag + `"`,
			Size:         entry.Meta.Size,
			StorageClass: entry.Meta.StorageClass,
		})
	}
	xmlutil.Render(w, http.StatusOK, result)
}

// GetObjectTagging handles GET /{bucket}/{key}?tagging.
func (h *ObjectHandler) GetObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	tags, err := h.store.ObjectTags(bucket, key)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	renderTagging(w, tags)
}

// PutObjectTagging handles PUT /{bucket}/{key}?tagging, replacing the
// object's tag set.
func (h *ObjectHandler) PutObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	tags, err := parseTagging(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if err := h.store.SetObjectTags(bucket, key, tags); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteObjectTagging handles DELETE /{bucket}/{key}?tagging.
func (h *ObjectHandler) DeleteObjectTagging(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if err := h.store.DeleteObjectTags(bucket, key); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetObjectAcl handles GET /{bucket}/{key}?acl with the fixed owner
// FULL_CONTROL grant.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.HeadObject(bucket, key, ""); err != nil {
		writeStoreError(w, r, err)
		return
	}
	xmlutil.Render(w, http.StatusOK, ownerACL(h.ownerID, h.ownerDisplay))
}

// PutObjectAcl handles PUT /{bucket}/{key}?acl. Accepted and discarded.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request) {
	bucket := extractBucketName(r)
	key := extractObjectKey(r)

	if _, err := h.store.HeadObject(bucket, key, ""); err != nil {
		writeStoreError(w, r, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(r.Body, maxConfigBodySize))
	w.WriteHeader(http.StatusOK)
}
