package store

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driftstore/driftstore/internal/sse"
	"github.com/driftstore/driftstore/internal/uid"
)

// gcmOverhead is the AES-GCM tag length appended to every ciphertext.
// HEAD uses it to report the plaintext size without decrypting.
const gcmOverhead = 16

// PutOptions carries the client-supplied attributes of a write.
type PutOptions struct {
	ContentType  string
	StorageClass string
	// Metadata holds the x-amz-meta-* pairs, keys without the prefix.
	Metadata map[string]string
}

// CopyOptions controls server-side copy behavior.
type CopyOptions struct {
	// Directive is the x-amz-metadata-directive value: COPY (default)
	// merges the request metadata into the source's, REPLACE discards
	// the source's metadata entirely.
	Directive string
	// Metadata holds the x-amz-meta-* pairs supplied with the copy.
	Metadata map[string]string
	// ContentType overrides the source content type when non-empty.
	ContentType string
}

// DeleteOutcome reports what a delete actually removed, so callers can
// update quota accounting and emit WAL records only for real objects.
type DeleteOutcome struct {
	Removed bool
	Size    int64
	Prefix  bool
}

// VersionEntry pairs version metadata with its position in the history.
type VersionEntry struct {
	Meta     ObjectMeta
	IsLatest bool
}

// PutObject stores an object. The ETag is the hex MD5 of the plaintext;
// when the bucket has encryption configured the on-disk bytes are the
// AES-GCM ciphertext and the sidecar carries the key material. With
// versioning enabled the write also lands in .versions/<key>/<vid> using
// the same on-disk representation as the primary.
//
// A key ending in "/" creates a directory marker instead of an object.
func (s *Store) PutObject(bucket, key string, body io.Reader, opts PutOptions) (ObjectMeta, error) {
	if !s.BucketExists(bucket) {
		return ObjectMeta{}, ErrBucketNotFound
	}
	if key == "" {
		return ObjectMeta{}, ErrInvalidKey
	}
	if strings.HasSuffix(key, "/") {
		return s.putFolder(bucket, key, body, opts)
	}

	encCfg, err := s.BucketEncryptionConfig(bucket)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return ObjectMeta{}, err
	}
	if s.encrypts(encCfg) {
		plaintext, err := io.ReadAll(body)
		if err != nil {
			return ObjectMeta{}, fmt.Errorf("reading body: %w", err)
		}
		return s.putBytes(bucket, key, plaintext, opts, true)
	}
	return s.putStream(bucket, key, body, opts)
}

// putFolder creates a directory marker for a key ending in "/". The
// response etag is the MD5 of the (normally empty) request payload; no
// sidecar is written.
func (s *Store) putFolder(bucket, key string, body io.Reader, opts PutOptions) (ObjectMeta, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	h := md5.New()
	if _, err := io.Copy(h, body); err != nil {
		return ObjectMeta{}, fmt.Errorf("reading body: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return ObjectMeta{}, fmt.Errorf("creating folder %q: %w", path, err)
	}
	return ObjectMeta{
		Key:          key,
		ETag:         fmt.Sprintf("%x", h.Sum(nil)),
		LastModified: time.Now().UTC(),
		ContentType:  "application/x-directory",
		StorageClass: DefaultStorageClass,
		Metadata:     opts.Metadata,
	}, nil
}

// putStream is the unencrypted write path: the body streams through an MD5
// tee into a temp file that is fsynced and renamed into place.
func (s *Store) putStream(bucket, key string, body io.Reader, opts PutOptions) (ObjectMeta, error) {
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return ObjectMeta{}, fmt.Errorf("creating parent directories: %w", err)
	}

	tmp := s.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return ObjectMeta{}, fmt.Errorf("creating temp file: %w", err)
	}
	h := md5.New()
	size, err := io.Copy(f, io.TeeReader(body, h))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return ObjectMeta{}, fmt.Errorf("writing object data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return ObjectMeta{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return ObjectMeta{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, objPath); err != nil {
		os.Remove(tmp)
		return ObjectMeta{}, fmt.Errorf("renaming into place: %w", err)
	}

	return s.finishPut(bucket, key, objPath, size, fmt.Sprintf("%x", h.Sum(nil)), nil, opts)
}

// putBytes is the buffered write path used for encrypted writes, copies,
// and multipart completion.
func (s *Store) putBytes(bucket, key string, plaintext []byte, opts PutOptions, encrypt bool) (ObjectMeta, error) {
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	etag := fmt.Sprintf("%x", md5.Sum(plaintext))

	data := plaintext
	var enc *Encryption
	if encrypt {
		ciphertext, dataKey, nonce, err := s.sse.Encrypt(plaintext)
		if err != nil {
			return ObjectMeta{}, fmt.Errorf("encrypting object: %w", err)
		}
		data = ciphertext
		enc = &Encryption{
			Algorithm:   sse.Algorithm,
			KeyBase64:   base64.StdEncoding.EncodeToString(dataKey),
			NonceBase64: base64.StdEncoding.EncodeToString(nonce),
		}
	}

	if err := s.writeFileAtomic(objPath, data); err != nil {
		return ObjectMeta{}, err
	}
	return s.finishPut(bucket, key, objPath, int64(len(data)), etag, enc, opts)
}

// finishPut writes the sidecar and captures a version when the bucket has
// versioning enabled. Order matters: object bytes are already in place,
// then the sidecar, then the version copy.
func (s *Store) finishPut(bucket, key, objPath string, size int64, etag string, enc *Encryption, opts PutOptions) (ObjectMeta, error) {
	meta := ObjectMeta{
		Key:          key,
		Size:         size,
		ETag:         etag,
		LastModified: time.Now().UTC(),
		ContentType:  opts.ContentType,
		StorageClass: opts.StorageClass,
		Metadata:     opts.Metadata,
		Encryption:   enc,
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if meta.StorageClass == "" {
		meta.StorageClass = DefaultStorageClass
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	if s.versioningEnabled(bucket) {
		meta.VersionID = uid.VersionID()
	}

	if err := s.writeSidecar(objPath+SidecarSuffix, meta); err != nil {
		return ObjectMeta{}, err
	}
	if meta.VersionID != "" {
		if err := s.captureVersion(bucket, key, objPath, meta); err != nil {
			return ObjectMeta{}, err
		}
	}
	return meta, nil
}

// captureVersion copies the primary file into .versions/<key>/<vid> with
// its own sidecar. The copy shares the primary's representation, so
// encrypted primaries produce encrypted versions with the same key
// material.
func (s *Store) captureVersion(bucket, key, objPath string, meta ObjectMeta) error {
	dir := s.versionsDir(bucket, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating versions directory: %w", err)
	}

	src, err := os.Open(objPath)
	if err != nil {
		return fmt.Errorf("opening primary for version capture: %w", err)
	}
	defer src.Close()

	tmp := s.tempPath()
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating version temp file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying version data: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing version file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing version file: %w", err)
	}
	versionPath := filepath.Join(dir, meta.VersionID)
	if err := os.Rename(tmp, versionPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming version file: %w", err)
	}
	return s.writeSidecar(versionPath+SidecarSuffix, meta)
}

// resolve maps (bucket, key, versionID) to the object and sidecar paths.
// The sentinel "null" and the empty string both mean the current version.
func (s *Store) resolve(bucket, key, versionID string) (objPath, sidecarPath string, versioned bool, err error) {
	if versionID != "" && versionID != "null" {
		dir := s.versionsDir(bucket, key)
		return filepath.Join(dir, versionID), filepath.Join(dir, versionID+SidecarSuffix), true, nil
	}
	objPath, err = s.objectPath(bucket, key)
	if err != nil {
		return "", "", false, err
	}
	return objPath, objPath + SidecarSuffix, false, nil
}

// GetObject opens an object for reading, transparently decrypting when the
// sidecar carries encryption material. The returned metadata's Size always
// matches the number of bytes the reader will yield.
func (s *Store) GetObject(bucket, key, versionID string) (ObjectMeta, io.ReadCloser, error) {
	if !s.BucketExists(bucket) {
		return ObjectMeta{}, nil, ErrBucketNotFound
	}
	objPath, scPath, versioned, err := s.resolve(bucket, key, versionID)
	if err != nil {
		return ObjectMeta{}, nil, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			if versioned {
				return ObjectMeta{}, nil, ErrVersionNotFound
			}
			return ObjectMeta{}, nil, ErrObjectNotFound
		}
		return ObjectMeta{}, nil, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		// A directory is a prefix, not an object.
		return ObjectMeta{}, nil, ErrObjectNotFound
	}

	meta, err := s.loadMeta(objPath, scPath, key)
	if err != nil {
		return ObjectMeta{}, nil, err
	}

	if meta.Encryption != nil {
		ciphertext, err := os.ReadFile(objPath)
		if err != nil {
			return ObjectMeta{}, nil, fmt.Errorf("reading ciphertext: %w", err)
		}
		plaintext, err := sse.DecryptBase64(ciphertext, meta.Encryption.KeyBase64, meta.Encryption.NonceBase64)
		if err != nil {
			return ObjectMeta{}, nil, fmt.Errorf("decrypting object %s/%s: %w", bucket, key, err)
		}
		meta.Size = int64(len(plaintext))
		return meta, io.NopCloser(bytes.NewReader(plaintext)), nil
	}

	f, err := os.Open(objPath)
	if err != nil {
		return ObjectMeta{}, nil, fmt.Errorf("opening object: %w", err)
	}
	return meta, f, nil
}

// HeadObject returns object metadata without opening the payload. For
// encrypted objects Size is adjusted to the plaintext length.
func (s *Store) HeadObject(bucket, key, versionID string) (ObjectMeta, error) {
	if !s.BucketExists(bucket) {
		return ObjectMeta{}, ErrBucketNotFound
	}
	objPath, scPath, versioned, err := s.resolve(bucket, key, versionID)
	if err != nil {
		return ObjectMeta{}, err
	}
	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			if versioned {
				return ObjectMeta{}, ErrVersionNotFound
			}
			return ObjectMeta{}, ErrObjectNotFound
		}
		return ObjectMeta{}, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		return ObjectMeta{}, ErrObjectNotFound
	}
	meta, err := s.loadMeta(objPath, scPath, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	if meta.Encryption != nil && meta.Size >= gcmOverhead {
		meta.Size -= gcmOverhead
	}
	return meta, nil
}

// DeleteObject removes an object and its sidecar, or a whole prefix when
// the key names a directory. Deleting something that does not exist is not
// an error.
func (s *Store) DeleteObject(bucket, key string) (DeleteOutcome, error) {
	if !s.BucketExists(bucket) {
		return DeleteOutcome{}, ErrBucketNotFound
	}
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return DeleteOutcome{}, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DeleteOutcome{}, nil
		}
		return DeleteOutcome{}, fmt.Errorf("stat object: %w", err)
	}

	if info.IsDir() || strings.HasSuffix(key, "/") {
		if err := os.RemoveAll(objPath); err != nil {
			return DeleteOutcome{}, fmt.Errorf("removing prefix %q: %w", key, err)
		}
		return DeleteOutcome{Prefix: true}, nil
	}

	size := info.Size()
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return DeleteOutcome{}, fmt.Errorf("removing object: %w", err)
	}
	if err := os.Remove(objPath + SidecarSuffix); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing sidecar", "bucket", bucket, "key", key, "error", err)
	}
	s.cleanEmptyParents(filepath.Dir(objPath), s.BucketPath(bucket))
	return DeleteOutcome{Removed: true, Size: size}, nil
}

// DeleteObjectVersion removes a single version's file and sidecar. The
// "null" sentinel targets the current version and behaves like
// DeleteObject.
func (s *Store) DeleteObjectVersion(bucket, key, versionID string) (DeleteOutcome, error) {
	if versionID == "" || versionID == "null" {
		return s.DeleteObject(bucket, key)
	}
	if !s.BucketExists(bucket) {
		return DeleteOutcome{}, ErrBucketNotFound
	}
	dir := s.versionsDir(bucket, key)
	versionPath := filepath.Join(dir, versionID)

	info, err := os.Stat(versionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DeleteOutcome{}, nil
		}
		return DeleteOutcome{}, fmt.Errorf("stat version: %w", err)
	}
	size := info.Size()
	if err := os.Remove(versionPath); err != nil && !os.IsNotExist(err) {
		return DeleteOutcome{}, fmt.Errorf("removing version: %w", err)
	}
	if err := os.Remove(versionPath + SidecarSuffix); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing version sidecar", "bucket", bucket, "key", key, "version", versionID, "error", err)
	}
	s.cleanEmptyParents(dir, filepath.Join(s.BucketPath(bucket), versionsDirName))
	return DeleteOutcome{Removed: true, Size: size}, nil
}

// cleanEmptyParents removes empty directories from dir up to (but not
// including) stopAt. Keys containing "/" leave directory skeletons behind
// after deletion; this trims them.
func (s *Store) cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// CopyObject reads the source plaintext (decrypting if needed) and runs it
// through the normal write pipeline of the destination bucket, so the copy
// picks up the destination's encryption and versioning configuration and a
// freshly computed sidecar.
func (s *Store) CopyObject(srcBucket, srcKey, srcVersion, dstBucket, dstKey string, opts CopyOptions) (ObjectMeta, error) {
	if !s.BucketExists(dstBucket) {
		return ObjectMeta{}, ErrBucketNotFound
	}
	srcMeta, rc, err := s.GetObject(srcBucket, srcKey, srcVersion)
	if err != nil {
		return ObjectMeta{}, err
	}
	defer rc.Close()
	plaintext, err := io.ReadAll(rc)
	if err != nil {
		return ObjectMeta{}, fmt.Errorf("reading source object: %w", err)
	}

	var merged map[string]string
	if strings.EqualFold(opts.Directive, "REPLACE") {
		merged = opts.Metadata
	} else {
		merged = make(map[string]string, len(srcMeta.Metadata)+len(opts.Metadata))
		for k, v := range srcMeta.Metadata {
			merged[k] = v
		}
		for k, v := range opts.Metadata {
			merged[k] = v
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = srcMeta.ContentType
	}

	encCfg, err := s.BucketEncryptionConfig(dstBucket)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return ObjectMeta{}, err
	}
	return s.putBytes(dstBucket, dstKey, plaintext, PutOptions{
		ContentType:  contentType,
		StorageClass: srcMeta.StorageClass,
		Metadata:     merged,
	}, s.encrypts(encCfg))
}

// ObjectTags reads the tag set from the sidecar.
func (s *Store) ObjectTags(bucket, key string) (map[string]string, error) {
	meta, err := s.HeadObject(bucket, key, "")
	if err != nil {
		return nil, err
	}
	return meta.Tags, nil
}

// SetObjectTags replaces the tag set in the sidecar. Passing an empty map
// clears the tags.
func (s *Store) SetObjectTags(bucket, key string, tags map[string]string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	objPath, scPath, _, err := s.resolve(bucket, key, "")
	if err != nil {
		return err
	}
	info, err := os.Stat(objPath)
	if err != nil || info.IsDir() {
		return ErrObjectNotFound
	}
	meta, err := s.loadMeta(objPath, scPath, key)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		meta.Tags = nil
	} else {
		meta.Tags = tags
	}
	return s.writeSidecar(scPath, meta)
}

// DeleteObjectTags clears the tag set.
func (s *Store) DeleteObjectTags(bucket, key string) error {
	return s.SetObjectTags(bucket, key, nil)
}

// ListObjectVersions enumerates the version history of one key: the
// primary first (IsLatest), then the entries under .versions/<key>/ newest
// first. The primary's own version file is skipped to avoid listing the
// same write twice.
func (s *Store) ListObjectVersions(bucket, key string) ([]VersionEntry, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}

	var entries []VersionEntry
	currentVID := ""

	objPath, scPath, _, err := s.resolve(bucket, key, "")
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(objPath); err == nil && !info.IsDir() {
		meta, err := s.loadMeta(objPath, scPath, key)
		if err != nil {
			return nil, err
		}
		currentVID = meta.VersionID
		entries = append(entries, VersionEntry{Meta: meta, IsLatest: true})
	}

	dir := s.versionsDir(bucket, key)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("reading versions directory: %w", err)
	}

	var history []VersionEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasSuffix(name, SidecarSuffix) {
			continue
		}
		if name == currentVID {
			continue
		}
		vPath := filepath.Join(dir, name)
		meta, err := s.loadMeta(vPath, vPath+SidecarSuffix, key)
		if err != nil {
			s.log.Warn("skipping unreadable version", "bucket", bucket, "key", key, "version", name, "error", err)
			continue
		}
		if meta.VersionID == "" {
			meta.VersionID = name
		}
		history = append(history, VersionEntry{Meta: meta})
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].Meta.LastModified.Equal(history[j].Meta.LastModified) {
			return history[i].Meta.LastModified.After(history[j].Meta.LastModified)
		}
		return history[i].Meta.VersionID > history[j].Meta.VersionID
	})
	return append(entries, history...), nil
}
