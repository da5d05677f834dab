package store

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/driftstore/driftstore/internal/uid"
)

const (
	manifestSuffix = ".upload"
	maxPartNumber  = 10000
)

// UploadManifest is the durable record of an in-progress multipart upload,
// stored as .multipart/<upload_id>.upload beside the part directory. The
// in-memory upload index is rebuilt from these manifests on startup.
type UploadManifest struct {
	UploadID    string    `json:"upload_id"`
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	Initiated   time.Time `json:"initiated"`
	ContentType string    `json:"content_type"`
}

// PartInfo describes one staged part. LastModified comes from the part
// file's mtime and is not persisted in the .meta sidecar.
type PartInfo struct {
	PartNumber   int       `json:"part_number"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"-"`
}

func (s *Store) multipartDir(bucket string) string {
	return filepath.Join(s.BucketPath(bucket), multipartDirName)
}

func (s *Store) manifestPath(bucket, uploadID string) string {
	return filepath.Join(s.multipartDir(bucket), uploadID+manifestSuffix)
}

func (s *Store) partDir(bucket, uploadID string) string {
	return filepath.Join(s.multipartDir(bucket), uploadID)
}

func partFileName(n int) string {
	return fmt.Sprintf("part-%d", n)
}

// reloadUploads rebuilds the upload index from the manifests on disk.
// Called once from New; unreadable manifests are skipped with a warning.
func (s *Store) reloadUploads() error {
	buckets, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("scanning storage root: %w", err)
	}
	for _, b := range buckets {
		if !b.IsDir() || strings.HasPrefix(b.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(s.multipartDir(b.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("scanning multipart directory of %q: %w", b.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), manifestSuffix) {
				continue
			}
			m, err := s.readManifestFile(filepath.Join(s.multipartDir(b.Name()), e.Name()))
			if err != nil {
				s.log.Warn("skipping unreadable upload manifest", "bucket", b.Name(), "file", e.Name(), "error", err)
				continue
			}
			s.uploadMu.Lock()
			s.uploads[m.UploadID] = uploadRef{bucket: m.Bucket, key: m.Key}
			s.uploadMu.Unlock()
		}
	}
	return nil
}

func (s *Store) readManifestFile(path string) (UploadManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadManifest{}, err
	}
	var m UploadManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return UploadManifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

// lookupUpload resolves an upload ID against the index and verifies it
// belongs to the given bucket.
func (s *Store) lookupUpload(bucket, uploadID string) (uploadRef, error) {
	s.uploadMu.Lock()
	ref, ok := s.uploads[uploadID]
	s.uploadMu.Unlock()
	if !ok || ref.bucket != bucket {
		return uploadRef{}, ErrUploadNotFound
	}
	return ref, nil
}

func (s *Store) registerUpload(m UploadManifest) {
	s.uploadMu.Lock()
	s.uploads[m.UploadID] = uploadRef{bucket: m.Bucket, key: m.Key}
	s.uploadMu.Unlock()
}

func (s *Store) unregisterUpload(uploadID string) {
	s.uploadMu.Lock()
	delete(s.uploads, uploadID)
	s.uploadMu.Unlock()
}

// InitiateUpload creates the staging directory and manifest for a new
// multipart upload and registers it in the index. The request Content-Type
// is captured now and applied to the completed object.
func (s *Store) InitiateUpload(bucket, key, contentType string) (UploadManifest, error) {
	if !s.BucketExists(bucket) {
		return UploadManifest{}, ErrBucketNotFound
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return UploadManifest{}, ErrInvalidKey
	}
	if _, err := s.objectPath(bucket, key); err != nil {
		return UploadManifest{}, err
	}

	m := UploadManifest{
		UploadID:    uid.UploadID(),
		Bucket:      bucket,
		Key:         key,
		Initiated:   time.Now().UTC(),
		ContentType: contentType,
	}
	if err := os.MkdirAll(s.partDir(bucket, m.UploadID), 0o755); err != nil {
		return UploadManifest{}, fmt.Errorf("creating part directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return UploadManifest{}, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := s.writeFileAtomic(s.manifestPath(bucket, m.UploadID), data); err != nil {
		return UploadManifest{}, err
	}
	s.registerUpload(m)
	return m, nil
}

// UploadPart stages one part. Parts may arrive in any order; re-uploading
// a part number replaces the previous bytes.
func (s *Store) UploadPart(bucket, uploadID string, partNumber int, body io.Reader) (PartInfo, error) {
	if _, err := s.lookupUpload(bucket, uploadID); err != nil {
		return PartInfo{}, err
	}
	if partNumber < 1 || partNumber > maxPartNumber {
		return PartInfo{}, ErrInvalidPart
	}
	if _, err := os.Stat(s.manifestPath(bucket, uploadID)); err != nil {
		return PartInfo{}, ErrUploadNotFound
	}

	dir := s.partDir(bucket, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PartInfo{}, fmt.Errorf("creating part directory: %w", err)
	}

	tmp := s.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return PartInfo{}, fmt.Errorf("creating temp file: %w", err)
	}
	h := md5.New()
	size, err := io.Copy(f, io.TeeReader(body, h))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return PartInfo{}, fmt.Errorf("writing part data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return PartInfo{}, fmt.Errorf("syncing part file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return PartInfo{}, fmt.Errorf("closing part file: %w", err)
	}
	partPath := filepath.Join(dir, partFileName(partNumber))
	if err := os.Rename(tmp, partPath); err != nil {
		os.Remove(tmp)
		return PartInfo{}, fmt.Errorf("renaming part into place: %w", err)
	}

	info := PartInfo{
		PartNumber: partNumber,
		ETag:       fmt.Sprintf("%x", h.Sum(nil)),
		Size:       size,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return PartInfo{}, fmt.Errorf("encoding part metadata: %w", err)
	}
	if err := s.writeFileAtomic(partPath+".meta", data); err != nil {
		return PartInfo{}, err
	}
	info.LastModified = time.Now().UTC()
	return info, nil
}

// stagedParts returns the parts of an upload sorted by part number.
func (s *Store) stagedParts(bucket, uploadID string) ([]PartInfo, error) {
	dir := s.partDir(bucket, uploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading part directory: %w", err)
	}
	var parts []PartInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "part-") || strings.HasSuffix(name, ".meta") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "part-"))
		if err != nil {
			continue
		}
		info := PartInfo{PartNumber: n}
		partPath := filepath.Join(dir, name)
		if data, err := os.ReadFile(partPath + ".meta"); err == nil {
			if err := json.Unmarshal(data, &info); err != nil {
				s.log.Warn("unreadable part metadata", "upload", uploadID, "part", n, "error", err)
			}
		}
		if fi, err := os.Stat(partPath); err == nil {
			info.LastModified = fi.ModTime().UTC()
			if info.Size == 0 {
				info.Size = fi.Size()
			}
		}
		if info.ETag == "" {
			if sum, err := fileMD5(partPath); err == nil {
				info.ETag = sum
			}
		}
		info.PartNumber = n
		parts = append(parts, info)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// ListParts returns the manifest and the staged parts of an upload.
func (s *Store) ListParts(bucket, uploadID string) (UploadManifest, []PartInfo, error) {
	if _, err := s.lookupUpload(bucket, uploadID); err != nil {
		return UploadManifest{}, nil, err
	}
	m, err := s.readManifestFile(s.manifestPath(bucket, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return UploadManifest{}, nil, ErrUploadNotFound
		}
		return UploadManifest{}, nil, err
	}
	parts, err := s.stagedParts(bucket, uploadID)
	if err != nil {
		return UploadManifest{}, nil, err
	}
	return m, parts, nil
}

// ListUploads returns the in-progress uploads of a bucket sorted by key,
// then initiation time.
func (s *Store) ListUploads(bucket string) ([]UploadManifest, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}
	entries, err := os.ReadDir(s.multipartDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading multipart directory: %w", err)
	}
	var uploads []UploadManifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestSuffix) {
			continue
		}
		m, err := s.readManifestFile(filepath.Join(s.multipartDir(bucket), e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable upload manifest", "bucket", bucket, "file", e.Name(), "error", err)
			continue
		}
		uploads = append(uploads, m)
	}
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].Initiated.Before(uploads[j].Initiated)
	})
	return uploads, nil
}

// CompleteUpload concatenates the staged parts in ascending part-number
// order and runs the result through the normal write pipeline, so the
// final object honors the bucket's encryption and versioning settings.
// The object's ETag is the hex MD5 of the concatenated bytes. requested
// lists the part numbers named by the client and is validated against the
// staged set; nil skips the check. Staging is removed on success.
func (s *Store) CompleteUpload(bucket, uploadID string, requested []int) (ObjectMeta, error) {
	ref, err := s.lookupUpload(bucket, uploadID)
	if err != nil {
		return ObjectMeta{}, err
	}
	m, err := s.readManifestFile(s.manifestPath(bucket, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectMeta{}, ErrUploadNotFound
		}
		return ObjectMeta{}, err
	}
	parts, err := s.stagedParts(bucket, uploadID)
	if err != nil {
		return ObjectMeta{}, err
	}
	if len(parts) == 0 {
		return ObjectMeta{}, ErrInvalidPart
	}
	staged := make(map[int]bool, len(parts))
	for _, p := range parts {
		staged[p.PartNumber] = true
	}
	for _, n := range requested {
		if !staged[n] {
			return ObjectMeta{}, ErrInvalidPart
		}
	}

	var buf bytes.Buffer
	dir := s.partDir(bucket, uploadID)
	for _, p := range parts {
		data, err := os.ReadFile(filepath.Join(dir, partFileName(p.PartNumber)))
		if err != nil {
			return ObjectMeta{}, fmt.Errorf("reading part %d: %w", p.PartNumber, err)
		}
		buf.Write(data)
	}

	encCfg, err := s.BucketEncryptionConfig(bucket)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return ObjectMeta{}, err
	}
	meta, err := s.putBytes(bucket, ref.key, buf.Bytes(), PutOptions{ContentType: m.ContentType}, s.encrypts(encCfg))
	if err != nil {
		return ObjectMeta{}, err
	}

	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("removing part directory", "bucket", bucket, "upload", uploadID, "error", err)
	}
	if err := os.Remove(s.manifestPath(bucket, uploadID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("removing upload manifest", "bucket", bucket, "upload", uploadID, "error", err)
	}
	s.unregisterUpload(uploadID)
	return meta, nil
}

// AbortUpload discards the staged parts and the manifest. Aborting an
// unknown or already-aborted upload returns ErrUploadNotFound.
func (s *Store) AbortUpload(bucket, uploadID string) error {
	if _, err := s.lookupUpload(bucket, uploadID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.partDir(bucket, uploadID)); err != nil {
		return fmt.Errorf("removing part directory: %w", err)
	}
	if err := os.Remove(s.manifestPath(bucket, uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing upload manifest: %w", err)
	}
	s.unregisterUpload(uploadID)
	return nil
}
