// Package store implements the object store on a POSIX filesystem.
//
// Each bucket is a directory under the storage root. Objects are regular
// files inside the bucket with a JSON sidecar at <key>.metadata; versioned
// copies live under .versions/<key>/<vid>, multipart staging under
// .multipart/, and bucket-level configuration in hidden files
// (.bucket_metadata, .versioning, .policy, .encryption, .cors, .lifecycle).
// All object and config writes go through a temp file in .tmp followed by a
// rename, so readers never observe partial writes and crash recovery is a
// matter of clearing .tmp on startup.
package store

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftstore/driftstore/internal/sse"
	"github.com/driftstore/driftstore/internal/uid"
)

// Sentinel errors. Handlers translate these into S3 error responses.
var (
	ErrBucketNotFound  = errors.New("store: bucket not found")
	ErrBucketExists    = errors.New("store: bucket already exists")
	ErrBucketNotEmpty  = errors.New("store: bucket not empty")
	ErrObjectNotFound  = errors.New("store: object not found")
	ErrVersionNotFound = errors.New("store: version not found")
	ErrUploadNotFound  = errors.New("store: multipart upload not found")
	ErrInvalidPart     = errors.New("store: invalid part")
	ErrPolicyNotFound  = errors.New("store: bucket has no policy")
	ErrConfigNotFound  = errors.New("store: bucket configuration not found")
	ErrInvalidKey      = errors.New("store: invalid object key")
)

// Hidden file and directory names inside a bucket.
const (
	// BucketMetaName is the per-bucket metadata document. Exported because
	// the replicator writes it when materializing buckets on peers.
	BucketMetaName = ".bucket_metadata"

	versioningName  = ".versioning"
	policyName      = ".policy"
	encryptionName  = ".encryption"
	corsName        = ".cors"
	lifecycleName   = ".lifecycle"
	taggingName     = ".tagging"
	quotaName       = ".quota"
	statsDirName    = ".stats"
	versionsDirName = ".versions"
	multipartDirName = ".multipart"
	tmpDirName      = ".tmp"

	// SidecarSuffix is appended to an object path to form its metadata
	// sidecar path.
	SidecarSuffix = ".metadata"

	// DefaultStorageClass is recorded for every stored object.
	DefaultStorageClass = "STANDARD"
)

// VersioningEnabled and VersioningSuspended are the two persisted
// versioning states. An empty status means versioning was never configured.
const (
	VersioningEnabled   = "Enabled"
	VersioningSuspended = "Suspended"
)

// Store is the filesystem-backed object store. All methods are safe for
// concurrent use; consistency between concurrent writers to the same key is
// last-writer-wins through atomic renames.
type Store struct {
	root string
	sse  *sse.Engine
	log  *slog.Logger

	// forceEncrypt makes every write encrypted regardless of per-bucket
	// configuration. Set once at startup, before the store serves requests.
	forceEncrypt bool

	// uploadMu guards only the multipart index map. Critical sections
	// contain map operations exclusively, never I/O.
	uploadMu sync.Mutex
	uploads  map[string]uploadRef
}

type uploadRef struct {
	bucket string
	key    string
}

// New prepares the storage root, clears stale temp files, and rebuilds the
// multipart upload index from staging manifests left by a previous run.
func New(root string, engine *sse.Engine, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		// Per-object data keys need no master key.
		engine, _ = sse.New("")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	s := &Store{
		root:    root,
		sse:     engine,
		log:     logger,
		uploads: make(map[string]uploadRef),
	}
	if err := s.CleanTempFiles(); err != nil {
		return nil, err
	}
	if err := s.reloadUploads(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// ForceEncryption turns on server-wide encryption: every object write is
// sealed even when the bucket has no encryption configuration.
func (s *Store) ForceEncryption(on bool) { s.forceEncrypt = on }

// encrypts reports whether a write to the bucket must be sealed.
func (s *Store) encrypts(encCfg *BucketEncryption) bool {
	return s.forceEncrypt || encCfg.Encrypts()
}

// CleanTempFiles removes leftovers in .tmp. Called on startup: anything in
// there is an incomplete write from a previous crash.
func (s *Store) CleanTempFiles() error {
	tmpDir := filepath.Join(s.root, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// BucketPath returns the directory backing a bucket.
func (s *Store) BucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

// objectPath maps (bucket, key) to the object file path, rejecting keys
// that would escape the bucket directory.
func (s *Store) objectPath(bucket, key string) (string, error) {
	path := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Join(s.root, bucket)+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return path, nil
}

func (s *Store) versionsDir(bucket, key string) string {
	return filepath.Join(s.root, bucket, versionsDirName, filepath.FromSlash(key))
}

func (s *Store) tempPath() string {
	return filepath.Join(s.root, tmpDirName, "tmp-"+uid.New())
}

// writeFileAtomic writes data through a temp file and renames it into
// place. Parent directories are created as needed.
func (s *Store) writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}
	tmp := s.tempPath()
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// BucketMeta is the persisted .bucket_metadata document.
type BucketMeta struct {
	Created          time.Time `json:"created"`
	VersioningStatus string    `json:"versioning_status,omitempty"`
}

// BucketInfo describes a bucket for listings.
type BucketInfo struct {
	Name    string
	Created time.Time
}

// BucketExists reports whether the bucket directory is present.
func (s *Store) BucketExists(bucket string) bool {
	info, err := os.Stat(s.BucketPath(bucket))
	return err == nil && info.IsDir()
}

// CreateBucket creates the bucket directory and its metadata file.
func (s *Store) CreateBucket(bucket string) error {
	path := s.BucketPath(bucket)
	if s.BucketExists(bucket) {
		return ErrBucketExists
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", path, err)
	}
	meta := BucketMeta{Created: time.Now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding bucket metadata: %w", err)
	}
	if err := s.writeFileAtomic(filepath.Join(path, BucketMetaName), data); err != nil {
		return fmt.Errorf("writing bucket metadata: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket if it does not already exist. Used by
// replication replay, where CREATE_BUCKET must be idempotent.
func (s *Store) EnsureBucket(bucket string) error {
	err := s.CreateBucket(bucket)
	if errors.Is(err, ErrBucketExists) {
		return nil
	}
	return err
}

// DeleteBucket removes a bucket. The bucket must hold no user objects;
// hidden configuration files and staging directories do not count.
func (s *Store) DeleteBucket(bucket string) error {
	path := s.BucketPath(bucket)
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	empty, err := s.bucketEmpty(bucket)
	if err != nil {
		return err
	}
	if !empty {
		return ErrBucketNotEmpty
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing bucket directory %q: %w", path, err)
	}
	return nil
}

// bucketEmpty reports whether the bucket contains any user objects. Hidden
// entries (leading dot) and sidecar files are ignored.
func (s *Store) bucketEmpty(bucket string) (bool, error) {
	empty := true
	err := filepath.WalkDir(s.BucketPath(bucket), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != s.BucketPath(bucket) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, SidecarSuffix) {
			return nil
		}
		empty = false
		return filepath.SkipAll
	})
	if err != nil {
		return false, fmt.Errorf("scanning bucket %q: %w", bucket, err)
	}
	return empty, nil
}

// ListBuckets enumerates bucket directories sorted by name. Creation times
// come from .bucket_metadata, falling back to the directory mtime.
func (s *Store) ListBuckets() ([]BucketInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}
	var buckets []BucketInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info := BucketInfo{Name: entry.Name()}
		if meta, err := s.bucketMeta(entry.Name()); err == nil {
			info.Created = meta.Created
		} else if fi, err := entry.Info(); err == nil {
			info.Created = fi.ModTime()
		}
		buckets = append(buckets, info)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// BucketCreated returns the bucket creation time.
func (s *Store) BucketCreated(bucket string) (time.Time, error) {
	if !s.BucketExists(bucket) {
		return time.Time{}, ErrBucketNotFound
	}
	if meta, err := s.bucketMeta(bucket); err == nil {
		return meta.Created, nil
	}
	info, err := os.Stat(s.BucketPath(bucket))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (s *Store) bucketMeta(bucket string) (BucketMeta, error) {
	var meta BucketMeta
	data, err := os.ReadFile(filepath.Join(s.BucketPath(bucket), BucketMetaName))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// VersioningStatus returns "Enabled", "Suspended", or "" when versioning
// was never configured.
func (s *Store) VersioningStatus(bucket string) string {
	data, err := os.ReadFile(filepath.Join(s.BucketPath(bucket), versioningName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetVersioningStatus persists the versioning state for a bucket.
func (s *Store) SetVersioningStatus(bucket, status string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	if err := s.writeFileAtomic(filepath.Join(s.BucketPath(bucket), versioningName), []byte(status)); err != nil {
		return err
	}
	// Keep the duplicate in .bucket_metadata current for external readers.
	if meta, err := s.bucketMeta(bucket); err == nil {
		meta.VersioningStatus = status
		if data, err := json.Marshal(meta); err == nil {
			if err := s.writeFileAtomic(filepath.Join(s.BucketPath(bucket), BucketMetaName), data); err != nil {
				s.log.Warn("updating bucket metadata", "bucket", bucket, "error", err)
			}
		}
	}
	return nil
}

// versioningEnabled reports whether new writes must capture versions.
func (s *Store) versioningEnabled(bucket string) bool {
	return s.VersioningStatus(bucket) == VersioningEnabled
}

// BucketPolicy returns the raw policy JSON.
func (s *Store) BucketPolicy(bucket string) (string, error) {
	if !s.BucketExists(bucket) {
		return "", ErrBucketNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.BucketPath(bucket), policyName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrPolicyNotFound
		}
		return "", fmt.Errorf("reading bucket policy: %w", err)
	}
	return string(data), nil
}

// SetBucketPolicy stores the raw policy JSON. Callers validate the document
// before storing it.
func (s *Store) SetBucketPolicy(bucket, policyJSON string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	return s.writeFileAtomic(filepath.Join(s.BucketPath(bucket), policyName), []byte(policyJSON))
}

// DeleteBucketPolicy removes the policy file. Removing an absent policy is
// not an error.
func (s *Store) DeleteBucketPolicy(bucket string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	err := os.Remove(filepath.Join(s.BucketPath(bucket), policyName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket policy: %w", err)
	}
	return nil
}

// BucketTags returns the bucket tag set, ErrConfigNotFound when none is set.
func (s *Store) BucketTags(bucket string) (map[string]string, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}
	var tags map[string]string
	if err := s.readJSONConfig(bucket, taggingName, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// SetBucketTags replaces the bucket tag set.
func (s *Store) SetBucketTags(bucket string, tags map[string]string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	return s.writeJSONConfig(bucket, taggingName, tags)
}

// DeleteBucketTags removes the bucket tag set. Removing an absent tag set
// is not an error.
func (s *Store) DeleteBucketTags(bucket string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	err := os.Remove(filepath.Join(s.BucketPath(bucket), taggingName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket tags: %w", err)
	}
	return nil
}

// BucketEncryption is the persisted .encryption document.
type BucketEncryption struct {
	Algorithm string `json:"algorithm"`
	KMSKeyID  string `json:"kms_key_id,omitempty"`
}

// Encrypts reports whether the configured algorithm triggers server-side
// encryption. KMS is accepted on the wire and handled like AES256.
func (e *BucketEncryption) Encrypts() bool {
	return e != nil && (e.Algorithm == "AES256" || e.Algorithm == "aws:kms")
}

// BucketEncryptionConfig returns the bucket encryption configuration, or
// ErrConfigNotFound when none is set.
func (s *Store) BucketEncryptionConfig(bucket string) (*BucketEncryption, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}
	var cfg BucketEncryption
	if err := s.readJSONConfig(bucket, encryptionName, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetBucketEncryption persists the encryption configuration.
func (s *Store) SetBucketEncryption(bucket string, cfg *BucketEncryption) error {
	return s.writeJSONConfig(bucket, encryptionName, cfg)
}

// DeleteBucketEncryption removes the encryption configuration.
func (s *Store) DeleteBucketEncryption(bucket string) error {
	return s.deleteConfig(bucket, encryptionName)
}

// CORSConfiguration mirrors the S3 CORS document. The struct carries both
// XML tags for the wire and JSON tags for the persisted .cors file.
type CORSConfiguration struct {
	XMLName   xml.Name   `xml:"CORSConfiguration" json:"-"`
	CORSRules []CORSRule `xml:"CORSRule" json:"cors_rules"`
}

type CORSRule struct {
	ID             string   `xml:"ID,omitempty" json:"id,omitempty"`
	AllowedHeaders []string `xml:"AllowedHeader,omitempty" json:"allowed_headers,omitempty"`
	AllowedMethods []string `xml:"AllowedMethod" json:"allowed_methods"`
	AllowedOrigins []string `xml:"AllowedOrigin" json:"allowed_origins"`
	ExposeHeaders  []string `xml:"ExposeHeader,omitempty" json:"expose_headers,omitempty"`
	MaxAgeSeconds  int      `xml:"MaxAgeSeconds,omitempty" json:"max_age_seconds,omitempty"`
}

// BucketCORS returns the CORS configuration, or ErrConfigNotFound.
func (s *Store) BucketCORS(bucket string) (*CORSConfiguration, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}
	var cfg CORSConfiguration
	if err := s.readJSONConfig(bucket, corsName, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetBucketCORS persists the CORS configuration.
func (s *Store) SetBucketCORS(bucket string, cfg *CORSConfiguration) error {
	return s.writeJSONConfig(bucket, corsName, cfg)
}

// DeleteBucketCORS removes the CORS configuration.
func (s *Store) DeleteBucketCORS(bucket string) error {
	return s.deleteConfig(bucket, corsName)
}

// LifecycleConfiguration mirrors the S3 lifecycle document, persisted as
// JSON and exchanged as XML.
type LifecycleConfiguration struct {
	XMLName xml.Name        `xml:"LifecycleConfiguration" json:"-"`
	Rules   []LifecycleRule `xml:"Rule" json:"rules"`
}

type LifecycleRule struct {
	ID                             string                          `xml:"ID,omitempty" json:"id,omitempty"`
	Status                         string                          `xml:"Status" json:"status"`
	Filter                         *LifecycleFilter                `xml:"Filter,omitempty" json:"filter,omitempty"`
	Transitions                    []LifecycleTransition           `xml:"Transition,omitempty" json:"transitions,omitempty"`
	Expiration                     *LifecycleExpiration            `xml:"Expiration,omitempty" json:"expiration,omitempty"`
	NoncurrentVersionTransitions   []NoncurrentVersionTransition   `xml:"NoncurrentVersionTransition,omitempty" json:"noncurrent_version_transitions,omitempty"`
	NoncurrentVersionExpiration    *NoncurrentVersionExpiration    `xml:"NoncurrentVersionExpiration,omitempty" json:"noncurrent_version_expiration,omitempty"`
	AbortIncompleteMultipartUpload *AbortIncompleteMultipartUpload `xml:"AbortIncompleteMultipartUpload,omitempty" json:"abort_incomplete_multipart_upload,omitempty"`
}

type LifecycleFilter struct {
	Prefix string        `xml:"Prefix,omitempty" json:"prefix,omitempty"`
	Tag    *LifecycleTag `xml:"Tag,omitempty" json:"tag,omitempty"`
	And    *LifecycleAnd `xml:"And,omitempty" json:"and,omitempty"`
}

type LifecycleAnd struct {
	Prefix string         `xml:"Prefix,omitempty" json:"prefix,omitempty"`
	Tags   []LifecycleTag `xml:"Tag,omitempty" json:"tags,omitempty"`
}

type LifecycleTag struct {
	Key   string `xml:"Key" json:"key"`
	Value string `xml:"Value" json:"value"`
}

type LifecycleTransition struct {
	Days         int    `xml:"Days,omitempty" json:"days,omitempty"`
	Date         string `xml:"Date,omitempty" json:"date,omitempty"`
	StorageClass string `xml:"StorageClass" json:"storage_class"`
}

type LifecycleExpiration struct {
	Days                      int    `xml:"Days,omitempty" json:"days,omitempty"`
	Date                      string `xml:"Date,omitempty" json:"date,omitempty"`
	ExpiredObjectDeleteMarker bool   `xml:"ExpiredObjectDeleteMarker,omitempty" json:"expired_object_delete_marker,omitempty"`
}

type NoncurrentVersionTransition struct {
	NoncurrentDays int    `xml:"NoncurrentDays" json:"noncurrent_days"`
	StorageClass   string `xml:"StorageClass" json:"storage_class"`
}

type NoncurrentVersionExpiration struct {
	NoncurrentDays int `xml:"NoncurrentDays" json:"noncurrent_days"`
}

type AbortIncompleteMultipartUpload struct {
	DaysAfterInitiation int `xml:"DaysAfterInitiation" json:"days_after_initiation"`
}

// BucketLifecycle returns the lifecycle configuration, or ErrConfigNotFound.
func (s *Store) BucketLifecycle(bucket string) (*LifecycleConfiguration, error) {
	if !s.BucketExists(bucket) {
		return nil, ErrBucketNotFound
	}
	var cfg LifecycleConfiguration
	if err := s.readJSONConfig(bucket, lifecycleName, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetBucketLifecycle persists the lifecycle configuration.
func (s *Store) SetBucketLifecycle(bucket string, cfg *LifecycleConfiguration) error {
	return s.writeJSONConfig(bucket, lifecycleName, cfg)
}

// DeleteBucketLifecycle removes the lifecycle configuration.
func (s *Store) DeleteBucketLifecycle(bucket string) error {
	return s.deleteConfig(bucket, lifecycleName)
}

// WriteRawConfig writes a named hidden config file verbatim. Used by
// replication replay, which carries config content as opaque strings.
func (s *Store) WriteRawConfig(bucket, name string, content []byte) error {
	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}
	return s.writeFileAtomic(filepath.Join(s.BucketPath(bucket), name), content)
}

// RemoveRawConfig deletes a named hidden config file. Missing files are
// ignored.
func (s *Store) RemoveRawConfig(bucket, name string) error {
	if !strings.HasPrefix(name, ".") {
		name = "." + name
	}
	err := os.Remove(filepath.Join(s.BucketPath(bucket), name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) readJSONConfig(bucket, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.BucketPath(bucket), name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigNotFound
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// Parse errors are treated as absent configuration, never fatal.
		s.log.Warn("unparseable bucket config", "bucket", bucket, "file", name, "error", err)
		return ErrConfigNotFound
	}
	return nil
}

func (s *Store) writeJSONConfig(bucket, name string, v any) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return s.writeFileAtomic(filepath.Join(s.BucketPath(bucket), name), data)
}

func (s *Store) deleteConfig(bucket, name string) error {
	if !s.BucketExists(bucket) {
		return ErrBucketNotFound
	}
	err := os.Remove(filepath.Join(s.BucketPath(bucket), name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}
