// Integration tests that start a full in-process driftstore server on a
// loopback port and exercise it over real HTTP with SigV4-signed requests.
package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/driftstore/driftstore/internal/config"
	"github.com/driftstore/driftstore/internal/quota"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
)

// integrationServer holds a running test server plus the credentials and
// filesystem root needed to talk to it and inspect what it wrote.
type integrationServer struct {
	srv       *Server
	addr      string
	endpoint  string
	root      string
	accessKey string
	secretKey string
	region    string
}

func newIntegrationServer(t *testing.T) *integrationServer {
	t.Helper()
	return startIntegrationServer(t, nil)
}

// startIntegrationServer boots a server on a free loopback port. When w is
// non-nil it is wired in as the WAL writer; the caller owns w and must close
// it exactly once.
func startIntegrationServer(t *testing.T, w *wal.Writer) *integrationServer {
	t.Helper()

	root := filepath.Join(t.TempDir(), "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("creating storage root: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			Region:        "us-east-1",
			MaxObjectSize: 1 << 30,
		},
		Auth: config.AuthConfig{
			AccessKey: "driftstore",
			SecretKey: "driftstore-secret",
		},
		Storage: config.StorageConfig{Root: root},
	}

	st, err := store.New(root, nil, nil)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	qm := quota.New(root, true, 5<<30, 200*time.Millisecond, nil)
	t.Cleanup(func() { qm.Close() })

	opts := []Option{WithStore(st), WithQuota(qm)}
	if w != nil {
		opts = append(opts, WithWAL(w))
	}
	srv, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	// Reserve a free port, release it, and hand the address to the server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go srv.ListenAndServe(addr)

	endpoint := "http://" + addr
	ready := false
	for i := 0; i < 50; i++ {
		resp, err := http.Get(endpoint + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !ready {
		t.Fatalf("server at %s never became healthy", addr)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &integrationServer{
		srv:       srv,
		addr:      addr,
		endpoint:  endpoint,
		root:      root,
		accessKey: cfg.Auth.AccessKey,
		secretKey: cfg.Auth.SecretKey,
		region:    cfg.Server.Region,
	}
}

func intSha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func intHmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// intURIEncode applies AWS URI encoding to a path, keeping slashes.
func intURIEncode(path string) string {
	var b strings.Builder
	for _, seg := range strings.SplitAfter(path, "/") {
		slash := strings.HasSuffix(seg, "/")
		seg = strings.TrimSuffix(seg, "/")
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
				c == '-' || c == '_' || c == '.' || c == '~' {
				b.WriteByte(c)
			} else {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		}
		if slash {
			b.WriteByte('/')
		}
	}
	return b.String()
}

// intCanonicalQueryString sorts parameters by key then value, matching the
// canonicalization the server performs during verification.
func intCanonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

// signedRequest builds an HTTP request carrying a SigV4 Authorization header.
// extra headers are included in the signature.
func (ts *integrationServer) signedRequest(method, path string, body []byte, extra map[string]string) (*http.Request, error) {
	u, err := url.Parse(ts.endpoint + path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	payloadHash := intSha256Hex(body)

	headers := map[string]string{
		"host":                 u.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	for k, v := range extra {
		headers[strings.ToLower(k)] = v
	}

	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(strings.TrimSpace(headers[name]))
		canonicalHeaders.WriteString("\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		intURIEncode(u.Path),
		intCanonicalQueryString(u.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, ts.region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		intSha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := intHmacSHA256([]byte("AWS4"+ts.secretKey), []byte(dateStamp))
	signingKey = intHmacSHA256(signingKey, []byte(ts.region))
	signingKey = intHmacSHA256(signingKey, []byte("s3"))
	signingKey = intHmacSHA256(signingKey, []byte("aws4_request"))
	signature := hex.EncodeToString(intHmacSHA256(signingKey, []byte(stringToSign)))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		ts.accessKey, scope, signedHeaders, signature))
	return req, nil
}

func (ts *integrationServer) doSigned(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()
	return ts.doSignedWithHeaders(t, method, path, body, nil)
}

func (ts *integrationServer) doSignedWithHeaders(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := ts.signedRequest(method, path, body, headers)
	if err != nil {
		t.Fatalf("%s %s: building request: %v", method, path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// presignURL builds a presigned GET URL for the given path, valid for the
// given number of seconds starting at signTime.
func (ts *integrationServer) presignURL(path string, signTime time.Time, expires int) string {
	u, _ := url.Parse(ts.endpoint + path)
	amzDate := signTime.UTC().Format("20060102T150405Z")
	dateStamp := signTime.UTC().Format("20060102")
	scope := strings.Join([]string{dateStamp, ts.region, "s3", "aws4_request"}, "/")

	q := u.Query()
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", ts.accessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", expires))
	q.Set("X-Amz-SignedHeaders", "host")

	canonicalRequest := strings.Join([]string{
		http.MethodGet,
		intURIEncode(u.Path),
		intCanonicalQueryString(q),
		"host:" + u.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		intSha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := intHmacSHA256([]byte("AWS4"+ts.secretKey), []byte(dateStamp))
	signingKey = intHmacSHA256(signingKey, []byte(ts.region))
	signingKey = intHmacSHA256(signingKey, []byte("s3"))
	signingKey = intHmacSHA256(signingKey, []byte("aws4_request"))
	signature := hex.EncodeToString(intHmacSHA256(signingKey, []byte(stringToSign)))

	q.Set("X-Amz-Signature", signature)
	u.RawQuery = q.Encode()
	return u.String()
}

func intReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	return string(intReadBodyBytes(t, resp))
}

func intReadBodyBytes(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return data
}

func TestIntegrationHealth(t *testing.T) {
	ts := newIntegrationServer(t)

	resp, err := http.Get(ts.endpoint + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("health body is not JSON: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status field = %v, want ok", health["status"])
	}
	if got := resp.Header.Get("Server"); got != "driftstore" {
		t.Errorf("Server header = %q, want driftstore", got)
	}
	if resp.Header.Get("x-amz-request-id") == "" {
		t.Error("missing x-amz-request-id header")
	}
}

func TestIntegrationBucketCRUD(t *testing.T) {
	ts := newIntegrationServer(t)
	bucket := "/crud-bucket"

	resp := ts.doSigned(t, http.MethodPut, bucket, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create bucket status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != bucket {
		t.Errorf("Location = %q, want %q", got, bucket)
	}

	resp = ts.doSigned(t, http.MethodHead, bucket, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head bucket status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("x-amz-bucket-region"); got != "us-east-1" {
		t.Errorf("x-amz-bucket-region = %q, want us-east-1", got)
	}

	resp = ts.doSigned(t, http.MethodGet, "/", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list buckets status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "<Name>crud-bucket</Name>") {
		t.Errorf("list buckets missing crud-bucket: %s", body)
	}

	resp = ts.doSigned(t, http.MethodGet, bucket+"?location", nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get location status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "LocationConstraint") {
		t.Errorf("location body = %s", body)
	}

	resp = ts.doSigned(t, http.MethodDelete, bucket, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete bucket status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodHead, bucket, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("head after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestIntegrationBucketAlreadyExists(t *testing.T) {
	ts := newIntegrationServer(t)

	for i := 0; i < 2; i++ {
		resp := ts.doSigned(t, http.MethodPut, "/twice-bucket", nil)
		intReadBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("create #%d status = %d, want 200", i+1, resp.StatusCode)
		}
	}
}

func TestIntegrationInvalidBucketName(t *testing.T) {
	ts := newIntegrationServer(t)

	for _, path := range []string{"/ab", "/UPPER-Bucket"} {
		resp := ts.doSigned(t, http.MethodPut, path, nil)
		body := intReadBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("PUT %s status = %d, want 400", path, resp.StatusCode)
		}
		if !strings.Contains(body, "<Code>InvalidBucketName</Code>") {
			t.Errorf("PUT %s body = %s", path, body)
		}
	}
}

func TestIntegrationBucketNotEmpty(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/full-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/full-bucket/obj.txt", []byte("x"))
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodDelete, "/full-bucket", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete status = %d, want 409", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>BucketNotEmpty</Code>") {
		t.Errorf("body = %s", body)
	}
}

func TestIntegrationPutGetObject(t *testing.T) {
	ts := newIntegrationServer(t)
	content := []byte("world")
	wantETag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(content)))

	resp := ts.doSigned(t, http.MethodPut, "/obj-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/obj-bucket/hello.txt", content,
		map[string]string{"Content-Type": "text/plain"})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("ETag"); got != wantETag {
		t.Errorf("put ETag = %q, want %q", got, wantETag)
	}

	resp = ts.doSigned(t, http.MethodGet, "/obj-bucket/hello.txt", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body != "world" {
		t.Errorf("get body = %q, want world", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if got := resp.Header.Get("ETag"); got != wantETag {
		t.Errorf("get ETag = %q, want %q", got, wantETag)
	}

	resp = ts.doSigned(t, http.MethodHead, "/obj-bucket/hello.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got != "5" {
		t.Errorf("head Content-Length = %q, want 5", got)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}

	resp = ts.doSigned(t, http.MethodDelete, "/obj-bucket/hello.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/obj-bucket/hello.txt", nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>NoSuchKey</Code>") {
		t.Errorf("body = %s", body)
	}
}

func TestIntegrationEmptyObject(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/empty-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPut, "/empty-bucket/zero.bin", []byte{})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}
	wantETag := fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(nil)))
	if got := resp.Header.Get("ETag"); got != wantETag {
		t.Errorf("ETag = %q, want %q", got, wantETag)
	}

	resp = ts.doSigned(t, http.MethodGet, "/empty-bucket/zero.bin", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestIntegrationSlashInKey(t *testing.T) {
	ts := newIntegrationServer(t)
	key := "/nest-bucket/a/b/c/file.txt"

	resp := ts.doSigned(t, http.MethodPut, "/nest-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPut, key, []byte("nested"))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, key, nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK || body != "nested" {
		t.Fatalf("get = %d %q, want 200 nested", resp.StatusCode, body)
	}

	resp = ts.doSigned(t, http.MethodDelete, key, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, key, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestIntegrationDeleteNonexistentObject(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/idem-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodDelete, "/idem-bucket/never-existed.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestIntegrationKeyTooLong(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/long-bucket", nil)
	intReadBody(t, resp)

	key := strings.Repeat("a", 1025)
	resp = ts.doSigned(t, http.MethodPut, "/long-bucket/"+key, []byte("x"))
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>InvalidArgument</Code>") {
		t.Errorf("body = %s", body)
	}
	if !strings.Contains(body, "Your key is too long") {
		t.Errorf("body missing length message: %s", body)
	}
}

func TestIntegrationUnsignedRequestDenied(t *testing.T) {
	ts := newIntegrationServer(t)

	resp, err := http.Get(ts.endpoint + "/some-bucket")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>AccessDenied</Code>") {
		t.Errorf("body = %s", body)
	}
}

func TestIntegrationSignatureMismatch(t *testing.T) {
	ts := newIntegrationServer(t)

	badSecret := *ts
	badSecret.secretKey = "wrong-secret"
	resp := badSecret.doSigned(t, http.MethodGet, "/sig-bucket", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad secret status = %d, want 403", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>SignatureDoesNotMatch</Code>") {
		t.Errorf("bad secret body = %s", body)
	}

	ghost := *ts
	ghost.accessKey = "ghost-key"
	resp = ghost.doSigned(t, http.MethodGet, "/sig-bucket", nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unknown key status = %d, want 403", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>InvalidAccessKeyId</Code>") {
		t.Errorf("unknown key body = %s", body)
	}
}

func TestIntegrationPresignedURL(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/presign-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/presign-bucket/shared.txt", []byte("presigned body"))
	intReadBody(t, resp)

	u := ts.presignURL("/presign-bucket/shared.txt", time.Now(), 300)
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET presigned: %v", err)
	}
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presigned status = %d, want 200 (body %s)", resp.StatusCode, body)
	}
	if body != "presigned body" {
		t.Errorf("presigned body = %q", body)
	}

	// Tampering with the signature must be rejected.
	tampered := u[:len(u)-1]
	if strings.HasSuffix(u, "0") {
		tampered += "1"
	} else {
		tampered += "0"
	}
	resp, err = http.Get(tampered)
	if err != nil {
		t.Fatalf("GET tampered: %v", err)
	}
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered status = %d, want 403", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>SignatureDoesNotMatch</Code>") {
		t.Errorf("tampered body = %s", body)
	}

	// A URL whose validity window has already passed must be rejected.
	expired := ts.presignURL("/presign-bucket/shared.txt", time.Now().Add(-10*time.Minute), 300)
	resp, err = http.Get(expired)
	if err != nil {
		t.Fatalf("GET expired: %v", err)
	}
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expired status = %d, want 403", resp.StatusCode)
	}
}

func TestIntegrationConditionalRequests(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/cond-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/cond-bucket/doc.txt", []byte("conditional"))
	intReadBody(t, resp)
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("put returned no ETag")
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/cond-bucket/doc.txt", nil,
		map[string]string{"If-Match": etag})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("If-Match(matching) status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/cond-bucket/doc.txt", nil,
		map[string]string{"If-Match": `"0123456789abcdef0123456789abcdef"`})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("If-Match(mismatched) status = %d, want 412", resp.StatusCode)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/cond-bucket/doc.txt", nil,
		map[string]string{"If-None-Match": etag})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf("If-None-Match(matching) status = %d, want 304", resp.StatusCode)
	}
}

func TestIntegrationRangeRequest(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/range-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/range-bucket/data.bin", []byte("0123456789ABCDEF"))
	intReadBody(t, resp)

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/range-bucket/data.bin", nil,
		map[string]string{"Range": "bytes=0-4"})
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d, want 206", resp.StatusCode)
	}
	if body != "01234" {
		t.Errorf("range body = %q, want 01234", body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-4/16" {
		t.Errorf("Content-Range = %q, want bytes 0-4/16", got)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/range-bucket/data.bin", nil,
		map[string]string{"Range": "bytes=-4"})
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("suffix range status = %d, want 206", resp.StatusCode)
	}
	if body != "CDEF" {
		t.Errorf("suffix range body = %q, want CDEF", body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 12-15/16" {
		t.Errorf("suffix Content-Range = %q, want bytes 12-15/16", got)
	}
}

func TestIntegrationObjectUserMetadata(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/meta-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/meta-bucket/tagged.txt", []byte("m"),
		map[string]string{
			"x-amz-meta-author":  "ann",
			"x-amz-meta-project": "driftstore",
		})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d, want 200", resp.StatusCode)
	}

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		resp = ts.doSigned(t, method, "/meta-bucket/tagged.txt", nil)
		intReadBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", method, resp.StatusCode)
		}
		if got := resp.Header.Get("x-amz-meta-author"); got != "ann" {
			t.Errorf("%s x-amz-meta-author = %q, want ann", method, got)
		}
		if got := resp.Header.Get("x-amz-meta-project"); got != "driftstore" {
			t.Errorf("%s x-amz-meta-project = %q, want driftstore", method, got)
		}
	}
}

func TestIntegrationCopyObject(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/copy-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/copy-bucket/src.txt", []byte("copy me"),
		map[string]string{
			"Content-Type":      "text/plain",
			"x-amz-meta-author": "ann",
		})
	intReadBody(t, resp)
	srcETag := resp.Header.Get("ETag")

	// Default directive copies content type and metadata from the source.
	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/copy-bucket/dst.txt", nil,
		map[string]string{"x-amz-copy-source": "/copy-bucket/src.txt"})
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("copy status = %d, want 200 (body %s)", resp.StatusCode, body)
	}
	if !strings.Contains(body, "CopyObjectResult") || !strings.Contains(body, "<ETag>") {
		t.Errorf("copy body = %s", body)
	}

	resp = ts.doSigned(t, http.MethodHead, "/copy-bucket/dst.txt", nil)
	intReadBody(t, resp)
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("copied Content-Type = %q, want text/plain", got)
	}
	if got := resp.Header.Get("x-amz-meta-author"); got != "ann" {
		t.Errorf("copied x-amz-meta-author = %q, want ann", got)
	}

	resp = ts.doSigned(t, http.MethodGet, "/copy-bucket/dst.txt", nil)
	body = intReadBody(t, resp)
	if body != "copy me" {
		t.Errorf("copied body = %q, want copy me", body)
	}

	// REPLACE swaps in the metadata from the copy request itself.
	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/copy-bucket/dst2.txt", nil,
		map[string]string{
			"x-amz-copy-source":        "/copy-bucket/src.txt",
			"x-amz-metadata-directive": "REPLACE",
			"Content-Type":             "application/json",
			"x-amz-meta-author":        "bob",
		})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace copy status = %d, want 200", resp.StatusCode)
	}
	resp = ts.doSigned(t, http.MethodHead, "/copy-bucket/dst2.txt", nil)
	intReadBody(t, resp)
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("replaced Content-Type = %q, want application/json", got)
	}
	if got := resp.Header.Get("x-amz-meta-author"); got != "bob" {
		t.Errorf("replaced x-amz-meta-author = %q, want bob", got)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/copy-bucket/dst3.txt", nil,
		map[string]string{"x-amz-copy-source": "/copy-bucket/no-such-src.txt"})
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing source status = %d, want 404 (body %s)", resp.StatusCode, body)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodPut, "/copy-bucket/dst4.txt", nil,
		map[string]string{
			"x-amz-copy-source":               "/copy-bucket/src.txt",
			"x-amz-copy-source-if-none-match": srcETag,
		})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("copy-source-if-none-match status = %d, want 412", resp.StatusCode)
	}
}

func TestIntegrationDeleteObjects(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/batch-bucket", nil)
	intReadBody(t, resp)
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		resp = ts.doSigned(t, http.MethodPut, "/batch-bucket/"+key, []byte("data"))
		intReadBody(t, resp)
	}

	payload := []byte(`<Delete><Object><Key>a.txt</Key></Object><Object><Key>b.txt</Key></Object></Delete>`)
	resp = ts.doSigned(t, http.MethodPost, "/batch-bucket?delete", payload)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete batch status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "<Deleted><Key>a.txt</Key></Deleted>") ||
		!strings.Contains(body, "<Deleted><Key>b.txt</Key></Deleted>") {
		t.Errorf("delete result = %s", body)
	}

	resp = ts.doSigned(t, http.MethodGet, "/batch-bucket/a.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("a.txt after batch delete status = %d, want 404", resp.StatusCode)
	}

	// Quiet mode suppresses the per-key success entries.
	payload = []byte(`<Delete><Quiet>true</Quiet><Object><Key>c.txt</Key></Object></Delete>`)
	resp = ts.doSigned(t, http.MethodPost, "/batch-bucket?delete", payload)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quiet delete status = %d, want 200", resp.StatusCode)
	}
	if strings.Contains(body, "<Deleted>") {
		t.Errorf("quiet delete listed keys: %s", body)
	}
	resp = ts.doSigned(t, http.MethodGet, "/batch-bucket/c.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("c.txt after quiet delete status = %d, want 404", resp.StatusCode)
	}
}

func TestIntegrationListObjectsV2(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/list-bucket", nil)
	intReadBody(t, resp)
	keys := []string{
		"docs/notes.md", "docs/readme.md",
		"file1.txt", "file2.txt",
		"photos/2024/a.jpg", "photos/2024/b.jpg",
		"photos/cat.jpg", "photos/dog.jpg",
	}
	for _, key := range keys {
		resp = ts.doSigned(t, http.MethodPut, "/list-bucket/"+key, []byte("x"))
		intReadBody(t, resp)
	}

	type listResult struct {
		KeyCount              int    `xml:"KeyCount"`
		IsTruncated           bool   `xml:"IsTruncated"`
		NextContinuationToken string `xml:"NextContinuationToken"`
		Contents              []struct {
			Key          string `xml:"Key"`
			StorageClass string `xml:"StorageClass"`
		} `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes"`
	}
	list := func(query string) listResult {
		t.Helper()
		resp := ts.doSigned(t, http.MethodGet, "/list-bucket?list-type=2"+query, nil)
		body := intReadBodyBytes(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list %q status = %d, want 200", query, resp.StatusCode)
		}
		var result listResult
		if err := xml.Unmarshal(body, &result); err != nil {
			t.Fatalf("list %q: parsing body: %v", query, err)
		}
		return result
	}

	all := list("")
	if all.KeyCount != len(keys) || len(all.Contents) != len(keys) {
		t.Fatalf("full list KeyCount = %d with %d entries, want %d", all.KeyCount, len(all.Contents), len(keys))
	}
	for i, c := range all.Contents {
		if c.Key != keys[i] {
			t.Errorf("contents[%d] = %q, want %q", i, c.Key, keys[i])
		}
		if c.StorageClass != "STANDARD" {
			t.Errorf("contents[%d] StorageClass = %q, want STANDARD", i, c.StorageClass)
		}
	}

	prefixed := list("&prefix=photos%2F")
	if prefixed.KeyCount != 4 {
		t.Errorf("prefix KeyCount = %d, want 4", prefixed.KeyCount)
	}

	rolled := list("&delimiter=%2F")
	if len(rolled.Contents) != 2 || len(rolled.CommonPrefixes) != 2 {
		t.Fatalf("delimiter list: %d contents %d prefixes, want 2 and 2",
			len(rolled.Contents), len(rolled.CommonPrefixes))
	}
	if rolled.CommonPrefixes[0].Prefix != "docs/" || rolled.CommonPrefixes[1].Prefix != "photos/" {
		t.Errorf("common prefixes = %+v", rolled.CommonPrefixes)
	}
	if rolled.KeyCount != 4 {
		t.Errorf("delimiter KeyCount = %d, want 4", rolled.KeyCount)
	}

	nested := list("&prefix=photos%2F&delimiter=%2F")
	if len(nested.Contents) != 2 || len(nested.CommonPrefixes) != 1 {
		t.Fatalf("nested list: %d contents %d prefixes, want 2 and 1",
			len(nested.Contents), len(nested.CommonPrefixes))
	}
	if nested.CommonPrefixes[0].Prefix != "photos/2024/" {
		t.Errorf("nested prefix = %q, want photos/2024/", nested.CommonPrefixes[0].Prefix)
	}

	var seen []string
	token := ""
	for {
		query := "&max-keys=3"
		if token != "" {
			query += "&continuation-token=" + url.QueryEscape(token)
		}
		page := list(query)
		for _, c := range page.Contents {
			seen = append(seen, c.Key)
		}
		if !page.IsTruncated {
			break
		}
		if page.NextContinuationToken == "" {
			t.Fatal("IsTruncated with empty NextContinuationToken")
		}
		token = page.NextContinuationToken
	}
	if len(seen) != len(keys) {
		t.Fatalf("paged through %d keys, want %d", len(seen), len(keys))
	}
	for i, key := range seen {
		if key != keys[i] {
			t.Errorf("page order [%d] = %q, want %q", i, key, keys[i])
		}
	}

	empty := list("&start-after=zzz")
	if empty.KeyCount != 0 {
		t.Errorf("start-after=zzz KeyCount = %d, want 0", empty.KeyCount)
	}
}

func TestIntegrationListObjectsV1(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/v1-bucket", nil)
	intReadBody(t, resp)
	for _, key := range []string{"one.txt", "two.txt", "three.txt"} {
		resp = ts.doSigned(t, http.MethodPut, "/v1-bucket/"+key, []byte("x"))
		intReadBody(t, resp)
	}

	resp = ts.doSigned(t, http.MethodGet, "/v1-bucket", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "<ListBucketResult") {
		t.Fatalf("body = %s", body)
	}
	for _, key := range []string{"one.txt", "two.txt", "three.txt"} {
		if !strings.Contains(body, "<Key>"+key+"</Key>") {
			t.Errorf("list missing %s", key)
		}
	}

	resp = ts.doSigned(t, http.MethodGet, "/v1-bucket?max-keys=1", nil)
	body = intReadBody(t, resp)
	if !strings.Contains(body, "<IsTruncated>true</IsTruncated>") {
		t.Errorf("truncated list body = %s", body)
	}
}

func TestIntegrationMultipartOutOfOrder(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/mp-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPost, "/mp-bucket/big.bin?uploads", nil)
	body := intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate status = %d, want 200", resp.StatusCode)
	}
	var initiated struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.Unmarshal(body, &initiated); err != nil || initiated.UploadID == "" {
		t.Fatalf("initiate body = %s (err %v)", body, err)
	}
	uploadID := initiated.UploadID

	// Upload the second part before the first; order on the wire must not
	// matter, only the part numbers.
	resp = ts.doSigned(t, http.MethodPut,
		"/mp-bucket/big.bin?partNumber=2&uploadId="+uploadID, []byte("world"))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload part 2 status = %d, want 200", resp.StatusCode)
	}
	etag2 := resp.Header.Get("ETag")

	resp = ts.doSigned(t, http.MethodPut,
		"/mp-bucket/big.bin?partNumber=1&uploadId="+uploadID, []byte("hello "))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload part 1 status = %d, want 200", resp.StatusCode)
	}
	etag1 := resp.Header.Get("ETag")

	resp = ts.doSigned(t, http.MethodGet, "/mp-bucket/big.bin?uploadId="+uploadID, nil)
	listBody := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list parts status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(listBody, "<PartNumber>1</PartNumber>") ||
		!strings.Contains(listBody, "<PartNumber>2</PartNumber>") {
		t.Errorf("list parts body = %s", listBody)
	}

	completeXML := fmt.Sprintf(
		`<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>%s</ETag></Part><Part><PartNumber>2</PartNumber><ETag>%s</ETag></Part></CompleteMultipartUpload>`,
		etag1, etag2)
	resp = ts.doSigned(t, http.MethodPost,
		"/mp-bucket/big.bin?uploadId="+uploadID, []byte(completeXML))
	completeBody := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want 200 (body %s)", resp.StatusCode, completeBody)
	}
	wantETag := fmt.Sprintf("%x", md5.Sum([]byte("hello world")))
	if !strings.Contains(completeBody, "CompleteMultipartUploadResult") ||
		!strings.Contains(completeBody, wantETag) {
		t.Errorf("complete body = %s", completeBody)
	}

	resp = ts.doSigned(t, http.MethodGet, "/mp-bucket/big.bin", nil)
	body = intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get assembled status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "hello world" {
		t.Errorf("assembled body = %q, want hello world", body)
	}
}

func TestIntegrationMultipartAbort(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/abort-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPost, "/abort-bucket/tmp.bin?uploads", nil)
	body := intReadBodyBytes(t, resp)
	var initiated struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.Unmarshal(body, &initiated); err != nil || initiated.UploadID == "" {
		t.Fatalf("initiate body = %s (err %v)", body, err)
	}
	uploadID := initiated.UploadID

	resp = ts.doSigned(t, http.MethodPut,
		"/abort-bucket/tmp.bin?partNumber=1&uploadId="+uploadID, []byte("discard"))
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodDelete, "/abort-bucket/tmp.bin?uploadId="+uploadID, nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("abort status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/abort-bucket/tmp.bin?uploadId="+uploadID, nil)
	listBody := intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("list after abort status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(listBody, "<Code>NoSuchUpload</Code>") {
		t.Errorf("list after abort body = %s", listBody)
	}
}

func TestIntegrationListMultipartUploads(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/uploads-bucket", nil)
	intReadBody(t, resp)

	for _, key := range []string{"first.bin", "second.bin"} {
		resp = ts.doSigned(t, http.MethodPost, "/uploads-bucket/"+key+"?uploads", nil)
		intReadBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("initiate %s status = %d, want 200", key, resp.StatusCode)
		}
	}

	resp = ts.doSigned(t, http.MethodGet, "/uploads-bucket?uploads", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list uploads status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "ListMultipartUploadsResult") {
		t.Fatalf("body = %s", body)
	}
	if !strings.Contains(body, "<Key>first.bin</Key>") || !strings.Contains(body, "<Key>second.bin</Key>") {
		t.Errorf("list uploads missing keys: %s", body)
	}
}

func TestIntegrationVersioning(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/ver-bucket", nil)
	intReadBody(t, resp)

	versioningXML := []byte(`<VersioningConfiguration><Status>Enabled</Status></VersioningConfiguration>`)
	resp = ts.doSigned(t, http.MethodPut, "/ver-bucket?versioning", versioningXML)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable versioning status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/ver-bucket?versioning", nil)
	body := intReadBody(t, resp)
	if !strings.Contains(body, "<Status>Enabled</Status>") {
		t.Fatalf("versioning config = %s", body)
	}

	resp = ts.doSigned(t, http.MethodPut, "/ver-bucket/doc.txt", []byte("one"))
	intReadBody(t, resp)
	if resp.Header.Get("x-amz-version-id") == "" {
		t.Error("first put missing x-amz-version-id")
	}
	resp = ts.doSigned(t, http.MethodPut, "/ver-bucket/doc.txt", []byte("two"))
	intReadBody(t, resp)
	latestVID := resp.Header.Get("x-amz-version-id")
	if latestVID == "" {
		t.Fatal("second put missing x-amz-version-id")
	}

	resp = ts.doSigned(t, http.MethodGet, "/ver-bucket?versions", nil)
	raw := intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list versions status = %d, want 200", resp.StatusCode)
	}
	var listing struct {
		Versions []struct {
			Key       string `xml:"Key"`
			VersionID string `xml:"VersionId"`
			IsLatest  bool   `xml:"IsLatest"`
		} `xml:"Version"`
	}
	if err := xml.Unmarshal(raw, &listing); err != nil {
		t.Fatalf("parsing versions: %v (body %s)", err, raw)
	}
	if len(listing.Versions) != 2 {
		t.Fatalf("got %d versions, want 2 (body %s)", len(listing.Versions), raw)
	}
	var latest, older string
	for _, v := range listing.Versions {
		if v.IsLatest {
			if latest != "" {
				t.Fatal("more than one version marked IsLatest")
			}
			latest = v.VersionID
		} else {
			older = v.VersionID
		}
	}
	if latest != latestVID {
		t.Errorf("IsLatest version = %q, want %q", latest, latestVID)
	}
	if older == "" {
		t.Fatal("no non-latest version in listing")
	}

	resp = ts.doSigned(t, http.MethodGet, "/ver-bucket/doc.txt?versionId="+older, nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get old version status = %d, want 200", resp.StatusCode)
	}
	if body != "one" {
		t.Errorf("old version body = %q, want one", body)
	}

	resp = ts.doSigned(t, http.MethodGet, "/ver-bucket/doc.txt", nil)
	body = intReadBody(t, resp)
	if body != "two" {
		t.Errorf("current body = %q, want two", body)
	}
}

func TestIntegrationBucketPolicyIPCondition(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/guarded-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/guarded-bucket/data.txt", []byte("guarded"))
	intReadBody(t, resp)

	policyJSON := []byte(`{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Sid": "AllowInternalNet",
				"Effect": "Allow",
				"Principal": "*",
				"Action": "s3:*",
				"Resource": ["arn:aws:s3:::guarded-bucket", "arn:aws:s3:::guarded-bucket/*"],
				"Condition": {"IpAddress": {"aws:SourceIp": "10.0.0.0/8"}}
			}
		]
	}`)
	resp = ts.doSigned(t, http.MethodPut, "/guarded-bucket?policy", policyJSON)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put policy status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/guarded-bucket/data.txt", nil,
		map[string]string{"X-Forwarded-For": "10.0.0.5"})
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed IP status = %d, want 200 (body %s)", resp.StatusCode, body)
	}
	if body != "guarded" {
		t.Errorf("allowed IP body = %q, want guarded", body)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/guarded-bucket/data.txt", nil,
		map[string]string{"X-Forwarded-For": "192.168.1.1"})
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied IP status = %d, want 403", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>AccessDenied</Code>") {
		t.Errorf("denied IP body = %s", body)
	}

	resp = ts.doSignedWithHeaders(t, http.MethodGet, "/guarded-bucket/data.txt", nil,
		map[string]string{"X-Real-IP": "10.0.0.7"})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("X-Real-IP status = %d, want 200", resp.StatusCode)
	}

	// Removing the policy restores plain credential-based access.
	resp = ts.doSignedWithHeaders(t, http.MethodDelete, "/guarded-bucket?policy", nil,
		map[string]string{"X-Forwarded-For": "10.0.0.5"})
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete policy status = %d, want 204", resp.StatusCode)
	}
	resp = ts.doSigned(t, http.MethodGet, "/guarded-bucket/data.txt", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after policy removal status = %d, want 200", resp.StatusCode)
	}
}

func TestIntegrationBucketPolicyRoundtrip(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/policy-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodGet, "/policy-bucket?policy", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get absent policy status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>NoSuchBucketPolicy</Code>") {
		t.Errorf("absent policy body = %s", body)
	}

	// The stored policy governs every later request on this bucket, so it
	// must keep allowing the calls the rest of the test makes.
	policyJSON := []byte(`{"Version":"2012-10-17","Statement":[{"Sid":"AllowEverything","Effect":"Allow","Principal":"*","Action":"s3:*","Resource":["arn:aws:s3:::policy-bucket","arn:aws:s3:::policy-bucket/*"]}]}`)
	resp = ts.doSigned(t, http.MethodPut, "/policy-bucket?policy", policyJSON)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put policy status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/policy-bucket?policy", nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get policy status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "AllowEverything") {
		t.Errorf("policy body = %s", body)
	}

	resp = ts.doSigned(t, http.MethodPut, "/policy-bucket?policy", []byte(`{"Version":"bad"`))
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed policy status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>MalformedPolicy</Code>") {
		t.Errorf("malformed policy body = %s", body)
	}
}

func TestIntegrationQuotaLifecycle(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/quota-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPut, "/quota-bucket?quota", []byte(`{"max_size_bytes":1024}`))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put quota status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodPut, "/quota-bucket/first.bin", bytes.Repeat([]byte("a"), 600))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first put status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodPut, "/quota-bucket/second.bin", bytes.Repeat([]byte("b"), 500))
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("over-quota put status = %d, want 507", resp.StatusCode)
	}
	if !strings.Contains(body, "<Code>QuotaExceeded</Code>") {
		t.Errorf("over-quota body = %s", body)
	}

	resp = ts.doSigned(t, http.MethodDelete, "/quota-bucket/first.bin", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodPut, "/quota-bucket/second.bin", bytes.Repeat([]byte("b"), 500))
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry put status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/quota-bucket?quota", nil)
	raw := intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get quota status = %d, want 200", resp.StatusCode)
	}
	var q struct {
		MaxSizeBytes      int64 `json:"max_size_bytes"`
		CurrentUsageBytes int64 `json:"current_usage_bytes"`
		ObjectCount       int64 `json:"object_count"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		t.Fatalf("parsing quota body: %v (%s)", err, raw)
	}
	if q.MaxSizeBytes != 1024 {
		t.Errorf("max_size_bytes = %d, want 1024", q.MaxSizeBytes)
	}
	if q.CurrentUsageBytes != 500 {
		t.Errorf("current_usage_bytes = %d, want 500", q.CurrentUsageBytes)
	}
	if q.ObjectCount != 1 {
		t.Errorf("object_count = %d, want 1", q.ObjectCount)
	}
}

func TestIntegrationBucketStats(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/stats-bucket", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodPut, "/stats-bucket/a.txt", []byte("a"))
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/stats-bucket/b.txt", []byte("b"))
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodGet, "/stats-bucket/a.txt", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodHead, "/stats-bucket/b.txt", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodGet, "/stats-bucket?list-type=2", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodDelete, "/stats-bucket/b.txt", nil)
	intReadBody(t, resp)

	resp = ts.doSigned(t, http.MethodGet, "/stats-bucket?stats", nil)
	raw := intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get stats status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Errorf("stats Content-Type = %q, want application/json", got)
	}
	var stats struct {
		GetCount       int64 `json:"get_count"`
		PutCount       int64 `json:"put_count"`
		DeleteCount    int64 `json:"delete_count"`
		ListCount      int64 `json:"list_count"`
		HeadCount      int64 `json:"head_count"`
		MultipartCount int64 `json:"multipart_count"`
	}
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatalf("parsing stats body: %v (%s)", err, raw)
	}
	if stats.PutCount != 2 {
		t.Errorf("put_count = %d, want 2", stats.PutCount)
	}
	if stats.GetCount != 1 {
		t.Errorf("get_count = %d, want 1", stats.GetCount)
	}
	if stats.HeadCount != 1 {
		t.Errorf("head_count = %d, want 1", stats.HeadCount)
	}
	if stats.ListCount != 1 {
		t.Errorf("list_count = %d, want 1", stats.ListCount)
	}
	if stats.DeleteCount != 1 {
		t.Errorf("delete_count = %d, want 1", stats.DeleteCount)
	}
	if stats.MultipartCount != 0 {
		t.Errorf("multipart_count = %d, want 0", stats.MultipartCount)
	}

	// An explicit month with no recorded activity reports zeroes.
	resp = ts.doSigned(t, http.MethodGet, "/stats-bucket?stats&month=2001-01", nil)
	raw = intReadBodyBytes(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get old-month stats status = %d, want 200", resp.StatusCode)
	}
	var oldStats struct {
		PutCount int64 `json:"put_count"`
	}
	if err := json.Unmarshal(raw, &oldStats); err != nil {
		t.Fatalf("parsing old-month stats: %v (%s)", err, raw)
	}
	if oldStats.PutCount != 0 {
		t.Errorf("2001-01 put_count = %d, want 0", oldStats.PutCount)
	}
}

func TestIntegrationObjectTagging(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodPut, "/tag-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/tag-bucket/item.txt", []byte("tagged"))
	intReadBody(t, resp)

	tagXML := []byte(`<Tagging><TagSet><Tag><Key>env</Key><Value>prod</Value></Tag><Tag><Key>team</Key><Value>storage</Value></Tag></TagSet></Tagging>`)
	resp = ts.doSigned(t, http.MethodPut, "/tag-bucket/item.txt?tagging", tagXML)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put tagging status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/tag-bucket/item.txt?tagging", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get tagging status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "<Key>env</Key>") || !strings.Contains(body, "<Value>prod</Value>") {
		t.Errorf("tagging body = %s", body)
	}
	if !strings.Contains(body, "<Key>team</Key>") {
		t.Errorf("tagging body missing second tag: %s", body)
	}

	resp = ts.doSigned(t, http.MethodDelete, "/tag-bucket/item.txt?tagging", nil)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete tagging status = %d, want 204", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/tag-bucket/item.txt?tagging", nil)
	body = intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get tagging after delete status = %d, want 200", resp.StatusCode)
	}
	if strings.Contains(body, "<Tag>") {
		t.Errorf("tag set not empty after delete: %s", body)
	}
}

func TestIntegrationBucketEncryption(t *testing.T) {
	ts := newIntegrationServer(t)
	plaintext := []byte("super secret plaintext payload")

	resp := ts.doSigned(t, http.MethodPut, "/enc-bucket", nil)
	intReadBody(t, resp)

	encXML := []byte(`<ServerSideEncryptionConfiguration><Rule><ApplyServerSideEncryptionByDefault><SSEAlgorithm>AES256</SSEAlgorithm></ApplyServerSideEncryptionByDefault></Rule></ServerSideEncryptionConfiguration>`)
	resp = ts.doSigned(t, http.MethodPut, "/enc-bucket?encryption", encXML)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put encryption status = %d, want 200", resp.StatusCode)
	}

	resp = ts.doSigned(t, http.MethodGet, "/enc-bucket?encryption", nil)
	body := intReadBody(t, resp)
	if !strings.Contains(body, "AES256") {
		t.Fatalf("encryption config = %s", body)
	}

	resp = ts.doSigned(t, http.MethodPut, "/enc-bucket/secret.txt", plaintext)
	intReadBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put object status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("x-amz-server-side-encryption"); got != "AES256" {
		t.Errorf("x-amz-server-side-encryption = %q, want AES256", got)
	}

	resp = ts.doSigned(t, http.MethodGet, "/enc-bucket/secret.txt", nil)
	got := intReadBodyBytes(t, resp)
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip body = %q, want %q", got, plaintext)
	}

	// What actually hits the disk must not be the plaintext.
	raw, err := os.ReadFile(filepath.Join(ts.root, "enc-bucket", "secret.txt"))
	if err != nil {
		t.Fatalf("reading raw object file: %v", err)
	}
	if bytes.Contains(raw, []byte("super secret")) {
		t.Error("raw object file contains plaintext")
	}
	if len(raw) <= len(plaintext) {
		t.Errorf("raw file %d bytes, want more than %d (nonce and tag overhead)", len(raw), len(plaintext))
	}
}

func TestIntegrationWALRecords(t *testing.T) {
	walDir := t.TempDir()
	w, err := wal.Open(walDir, "node-itest", nil)
	if err != nil {
		t.Fatalf("opening wal: %v", err)
	}
	ts := startIntegrationServer(t, w)

	resp := ts.doSigned(t, http.MethodPut, "/wal-bucket", nil)
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodPut, "/wal-bucket/logged.txt", []byte("hello"))
	intReadBody(t, resp)
	policyJSON := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:*","Resource":["arn:aws:s3:::wal-bucket","arn:aws:s3:::wal-bucket/*"]}]}`
	resp = ts.doSigned(t, http.MethodPut, "/wal-bucket?policy", []byte(policyJSON))
	intReadBody(t, resp)
	resp = ts.doSigned(t, http.MethodDelete, "/wal-bucket/logged.txt", nil)
	intReadBody(t, resp)

	// Close drains the queue and flushes everything to disk.
	if err := w.Close(); err != nil {
		t.Fatalf("closing wal: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(walDir, wal.LogName))
	if err != nil {
		t.Fatalf("reading wal log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("wal has %d records, want 4:\n%s", len(lines), data)
	}

	var records []wal.Record
	for i, line := range lines {
		rec, err := wal.Parse(line)
		if err != nil {
			t.Fatalf("parsing record %d: %v", i, err)
		}
		if rec.NodeID != "node-itest" {
			t.Errorf("record %d node = %q, want node-itest", i, rec.NodeID)
		}
		if rec.Sequence != uint64(i) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.Sequence, i)
		}
		records = append(records, rec)
	}

	if records[0].Op != wal.OpCreateBucket || records[0].Bucket != "wal-bucket" {
		t.Errorf("record 0 = %+v, want CREATE_BUCKET wal-bucket", records[0])
	}
	put := records[1]
	if put.Op != wal.OpPut || put.Key != "logged.txt" {
		t.Errorf("record 1 = %+v, want PUT logged.txt", put)
	}
	if put.Size != 5 {
		t.Errorf("put size = %d, want 5", put.Size)
	}
	if want := fmt.Sprintf("%x", md5.Sum([]byte("hello"))); put.ETag != want {
		t.Errorf("put etag = %q, want %q", put.ETag, want)
	}
	meta := records[2]
	if meta.Op != wal.OpUpdateMetadata || meta.Key != "policy" {
		t.Errorf("record 2 = %+v, want UPDATE_METADATA policy", meta)
	}
	if !strings.Contains(meta.Content, "2012-10-17") {
		t.Errorf("policy content = %q", meta.Content)
	}
	if records[3].Op != wal.OpDelete || records[3].Key != "logged.txt" {
		t.Errorf("record 3 = %+v, want DELETE logged.txt", records[3])
	}
}

func TestIntegrationErrorResponseShape(t *testing.T) {
	ts := newIntegrationServer(t)

	resp := ts.doSigned(t, http.MethodGet, "/no-such-bucket-xyz/missing.txt", nil)
	body := intReadBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/xml" {
		t.Errorf("Content-Type = %q, want application/xml", got)
	}
	if resp.Header.Get("x-amz-request-id") == "" {
		t.Error("missing x-amz-request-id header")
	}
	if !strings.Contains(body, "<Error>") ||
		!strings.Contains(body, "<Code>NoSuchBucket</Code>") ||
		!strings.Contains(body, "<Message>") ||
		!strings.Contains(body, "<RequestId>") {
		t.Errorf("error body = %s", body)
	}
	// S3 error documents carry no namespace declaration.
	if strings.Contains(body, "xmlns") {
		t.Errorf("error body has xmlns: %s", body)
	}
}
