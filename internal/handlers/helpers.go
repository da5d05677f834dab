// Package handlers implements the S3-compatible HTTP operation handlers.
//
// Handlers translate between the S3 wire protocol (paths, query
// subresources, headers, XML bodies) and the filesystem store. Side
// effects that follow a successful mutation (WAL records, quota and stats
// accounting) are applied here, after the store call returns.
package handlers

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	s3err "github.com/driftstore/driftstore/internal/errors"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/xmlutil"
)

// maxConfigBodySize bounds subresource request bodies (policies, CORS
// documents, tag sets). Object bodies are not limited here.
const maxConfigBodySize = 1 << 20

// bucketNameRE matches the allowed bucket name shape: 3-63 characters,
// lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit.
var bucketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)

// ipLikeRE matches names formatted like an IPv4 address, which are not
// valid bucket names.
var ipLikeRE = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// validateBucketName reports whether name is an acceptable bucket name.
func validateBucketName(name string) bool {
	if !bucketNameRE.MatchString(name) {
		return false
	}
	if ipLikeRE.MatchString(name) {
		return false
	}
	if strings.HasPrefix(name, "xn--") {
		return false
	}
	if strings.HasSuffix(name, "-s3alias") || strings.HasSuffix(name, "--ol-s3") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}

// extractBucketName returns the first path segment.
func extractBucketName(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// extractObjectKey returns everything after the bucket segment, without
// the separating slash. A trailing slash in the key is preserved because
// it distinguishes folder markers from plain objects.
func extractObjectKey(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return ""
}

// extractUserMetadata collects x-amz-meta-* headers with lowercased key
// suffixes. Returns nil when the request carries none.
func extractUserMetadata(r *http.Request) map[string]string {
	var meta map[string]string
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-meta-") || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
	}
	return meta
}

// writeStoreError translates store sentinel errors into S3 error
// responses. Unrecognized errors become InternalError and are logged.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrBucketNotFound):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
	case errors.Is(err, store.ErrBucketExists):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
	case errors.Is(err, store.ErrBucketNotEmpty):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
	case errors.Is(err, store.ErrObjectNotFound):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
	case errors.Is(err, store.ErrVersionNotFound):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchVersion)
	case errors.Is(err, store.ErrUploadNotFound):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
	case errors.Is(err, store.ErrInvalidPart):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
	case errors.Is(err, store.ErrInvalidKey):
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	}
}

// parseRange parses a single Range header value of the form bytes=a-b,
// bytes=a-, or bytes=-n against the given object size. Multi-range
// requests are rejected. The returned end is clamped to size-1.
func parseRange(value string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range unit in %q", value)
	}
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multiple ranges not supported")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range spec %q", spec)
	}

	if first == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length %q", last)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", first)
	}
	if start >= size {
		return 0, 0, fmt.Errorf("range start beyond object size")
	}
	if last == "" {
		return start, size - 1, nil
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid range end %q", last)
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// parseCopySource splits an x-amz-copy-source header into bucket, key and
// optional source version ID. The header may be URL-encoded and may carry
// a leading slash.
func parseCopySource(value string) (bucket, key, versionID string, ok bool) {
	if idx := strings.Index(value, "?"); idx >= 0 {
		if q, err := url.ParseQuery(value[idx+1:]); err == nil {
			versionID = q.Get("versionId")
		}
		value = value[:idx]
	}
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return "", "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", "", false
	}
	return bucket, key, versionID, true
}

// checkConditionalHeaders evaluates If-Match, If-Unmodified-Since,
// If-None-Match and If-Modified-Since in RFC 7232 precedence order.
// Returns 0 when the request should proceed, otherwise the HTTP status to
// return (304 or 412). Time comparison is truncated to whole seconds
// because HTTP dates carry no sub-second precision.
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) int {
	trimmed := strings.Trim(etag, `"`)
	modTime := lastModified.Truncate(time.Second)

	if im := r.Header.Get("If-Match"); im != "" {
		if !etagListMatches(im, trimmed) {
			return http.StatusPreconditionFailed
		}
	} else if ius := r.Header.Get("If-Unmodified-Since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && modTime.After(t.Truncate(time.Second)) {
			return http.StatusPreconditionFailed
		}
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if etagListMatches(inm, trimmed) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return http.StatusNotModified
			}
			return http.StatusPreconditionFailed
		}
	} else if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modTime.After(t.Truncate(time.Second)) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return http.StatusNotModified
			}
		}
	}
	return 0
}

// checkCopySourceConditionals evaluates the x-amz-copy-source-if-*
// headers against the source object. Returns 0 to proceed, else 412.
func checkCopySourceConditionals(r *http.Request, etag string, lastModified time.Time) int {
	trimmed := strings.Trim(etag, `"`)
	modTime := lastModified.Truncate(time.Second)

	if im := r.Header.Get("x-amz-copy-source-if-match"); im != "" {
		if !etagListMatches(im, trimmed) {
			return http.StatusPreconditionFailed
		}
	}
	if inm := r.Header.Get("x-amz-copy-source-if-none-match"); inm != "" {
		if etagListMatches(inm, trimmed) {
			return http.StatusPreconditionFailed
		}
	}
	if ius := r.Header.Get("x-amz-copy-source-if-unmodified-since"); ius != "" {
		if t, err := http.ParseTime(ius); err == nil && modTime.After(t.Truncate(time.Second)) {
			return http.StatusPreconditionFailed
		}
	}
	if ims := r.Header.Get("x-amz-copy-source-if-modified-since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modTime.After(t.Truncate(time.Second)) {
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

// etagListMatches reports whether any comma-separated entry in the header
// value matches the ETag. "*" matches anything.
func etagListMatches(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		candidate := strings.Trim(strings.TrimSpace(part), `"`)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// setObjectResponseHeaders writes the standard object headers from a
// sidecar record: Content-Type, Content-Length, ETag, Last-Modified,
// user metadata, encryption and version markers.
func setObjectResponseHeaders(w http.ResponseWriter, meta store.ObjectMeta) {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("ETag", `"`+meta.ETag+`"`)
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(meta.LastModified))
	w.Header().Set("Accept-Ranges", "bytes")
	for k, v := range meta.Metadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	if meta.Encryption != nil {
		w.Header().Set("x-amz-server-side-encryption", meta.Encryption.Algorithm)
	}
	if meta.VersionID != "" {
		w.Header().Set("x-amz-version-id", meta.VersionID)
	}
}

// applyResponseOverrides applies the response-* query parameters that
// presigned GET URLs may carry to override response headers.
func applyResponseOverrides(w http.ResponseWriter, q url.Values) {
	overrides := map[string]string{
		"response-content-type":        "Content-Type",
		"response-content-language":    "Content-Language",
		"response-expires":             "Expires",
		"response-cache-control":       "Cache-Control",
		"response-content-disposition": "Content-Disposition",
		"response-content-encoding":    "Content-Encoding",
	}
	for param, header := range overrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}
}

// parseDeleteRequest decodes the POST ?delete XML body.
func parseDeleteRequest(body io.Reader) (*xmlutil.DeleteRequest, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxConfigBodySize))
	if err != nil {
		return nil, err
	}
	var req xmlutil.DeleteRequest
	if err := xml.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// completeUploadRequest is the parsed CompleteMultipartUpload body.
type completeUploadRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []completePart `xml:"Part"`
}

type completePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// parseCompleteMultipartXML decodes the part list of a
// CompleteMultipartUpload request.
func parseCompleteMultipartXML(body io.Reader) ([]completePart, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxConfigBodySize))
	if err != nil {
		return nil, err
	}
	var req completeUploadRequest
	if err := xml.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return req.Parts, nil
}

// parseTagging decodes a Tagging XML body into a key-value map, rejecting
// duplicate keys.
func parseTagging(body io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxConfigBodySize))
	if err != nil {
		return nil, err
	}
	var doc xmlutil.Tagging
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(doc.TagSet))
	for _, t := range doc.TagSet {
		if t.Key == "" {
			return nil, fmt.Errorf("empty tag key")
		}
		if _, dup := tags[t.Key]; dup {
			return nil, fmt.Errorf("duplicate tag key %q", t.Key)
		}
		tags[t.Key] = t.Value
	}
	return tags, nil
}

// renderTagging writes a tag map as a Tagging document with keys in
// sorted order.
func renderTagging(w http.ResponseWriter, tags map[string]string) {
	doc := xmlutil.Tagging{}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.TagSet = append(doc.TagSet, xmlutil.Tag{Key: k, Value: tags[k]})
	}
	xmlutil.Render(w, http.StatusOK, doc)
}

// ownerACL builds the fixed FULL_CONTROL grant returned by the ACL
// subresources. ACLs are accepted on write but not enforced; the bucket
// owner always holds full control.
func ownerACL(ownerID, ownerDisplay string) xmlutil.AccessControlPolicy {
	owner := xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay}
	return xmlutil.AccessControlPolicy{
		Owner: owner,
		AccessControlList: xmlutil.ACL{
			Grants: []xmlutil.Grant{{
				Grantee: xmlutil.Grantee{
					Type:        "CanonicalUser",
					ID:          ownerID,
					DisplayName: ownerDisplay,
				},
				Permission: "FULL_CONTROL",
			}},
		},
	}
}

// clientIP derives the caller address for policy conditions: X-Real-IP
// first, then the first X-Forwarded-For entry, then the socket peer.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// queryInt parses an integer query parameter, returning def when absent
// or unparseable and clamping negatives to zero.
func queryInt(q url.Values, name string, def int) int {
	v := q.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < 0 {
		return 0
	}
	return n
}
