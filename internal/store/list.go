package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// emptyMD5 is the ETag reported for directory markers, which have no
// payload and no sidecar.
const emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

// ListOptions selects a page of a bucket listing. Marker carries the V1
// marker, the V2 continuation-token, or start-after; all three are raw
// object keys and resumption takes keys strictly greater than the marker.
type ListOptions struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// ListResult is one page of a bucket listing. NextMarker is the raw key to
// resume from; it is set only when IsTruncated.
type ListResult struct {
	Contents       []ObjectMeta
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListObjects walks the bucket recursively and returns a page of keys in
// lexicographic order. Files are listed with their sidecar metadata, empty
// directories as key + "/". With a delimiter, keys containing it beyond
// the prefix collapse into CommonPrefixes and are excluded from Contents;
// both kinds of entry count toward MaxKeys.
func (s *Store) ListObjects(bucket string, opts ListOptions) (ListResult, error) {
	if !s.BucketExists(bucket) {
		return ListResult{}, ErrBucketNotFound
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 1000
	}

	keys, err := s.collectKeys(bucket)
	if err != nil {
		return ListResult{}, err
	}

	var res ListResult
	seen := map[string]bool{}
	emitted := 0
	for _, key := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Marker != "" && key <= opts.Marker {
			continue
		}

		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if seen[cp] {
					// Absorbed into a prefix already on this page; advance
					// the resume point past it.
					res.NextMarker = key
					continue
				}
				if emitted == opts.MaxKeys {
					res.IsTruncated = true
					break
				}
				seen[cp] = true
				res.CommonPrefixes = append(res.CommonPrefixes, cp)
				emitted++
				res.NextMarker = key
				continue
			}
		}

		if emitted == opts.MaxKeys {
			res.IsTruncated = true
			break
		}
		meta, err := s.listingMeta(bucket, key)
		if err != nil {
			return ListResult{}, err
		}
		res.Contents = append(res.Contents, meta)
		emitted++
		res.NextMarker = key
	}
	if !res.IsTruncated {
		res.NextMarker = ""
	}
	return res, nil
}

// listingMeta builds the listing entry for one collected key.
func (s *Store) listingMeta(bucket, key string) (ObjectMeta, error) {
	objPath, err := s.objectPath(bucket, key)
	if err != nil {
		return ObjectMeta{}, err
	}
	if strings.HasSuffix(key, "/") {
		info, err := os.Stat(objPath)
		if err != nil {
			return ObjectMeta{}, fmt.Errorf("stat folder %q: %w", key, err)
		}
		return ObjectMeta{
			Key:          key,
			ETag:         emptyMD5,
			LastModified: info.ModTime().UTC(),
			ContentType:  "application/x-directory",
			StorageClass: DefaultStorageClass,
		}, nil
	}
	return s.loadMeta(objPath, objPath+SidecarSuffix, key)
}

// collectKeys walks the bucket tree and returns all listable keys sorted
// lexicographically: regular files as their slash-joined relative path,
// empty directories with a trailing "/". Dot-prefixed names and sidecars
// are invisible at every depth.
func (s *Store) collectKeys(bucket string) ([]string, error) {
	root := s.BucketPath(bucket)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			entries, err := os.ReadDir(path)
			if err == nil && len(entries) == 0 {
				rel, _ := filepath.Rel(root, path)
				keys = append(keys, filepath.ToSlash(rel)+"/")
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, SidecarSuffix) {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking bucket %q: %w", bucket, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// VersionListing is one page of a bucket-wide version enumeration.
type VersionListing struct {
	Versions      []VersionEntry
	IsTruncated   bool
	NextKeyMarker string
}

// ListAllVersions enumerates version history across the bucket, grouped by
// key in lexicographic order with each key's versions newest first. Keys
// whose primary was deleted but whose .versions entries remain are
// included. Pagination is by whole key group: a page always carries every
// version of the keys it names.
func (s *Store) ListAllVersions(bucket, prefix, keyMarker string, maxKeys int) (VersionListing, error) {
	if !s.BucketExists(bucket) {
		return VersionListing{}, ErrBucketNotFound
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := s.collectKeys(bucket)
	if err != nil {
		return VersionListing{}, err
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, "/") {
			keySet[k] = true
		}
	}
	versioned, err := s.versionedKeys(bucket)
	if err != nil {
		return VersionListing{}, err
	}
	for _, k := range versioned {
		keySet[k] = true
	}

	all := make([]string, 0, len(keySet))
	for k := range keySet {
		all = append(all, k)
	}
	sort.Strings(all)

	var out VersionListing
	for _, key := range all {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if keyMarker != "" && key <= keyMarker {
			continue
		}
		entries, err := s.ListObjectVersions(bucket, key)
		if err != nil {
			return VersionListing{}, err
		}
		if len(entries) == 0 {
			continue
		}
		if len(out.Versions) > 0 && len(out.Versions)+len(entries) > maxKeys {
			out.IsTruncated = true
			break
		}
		out.Versions = append(out.Versions, entries...)
		out.NextKeyMarker = key
	}
	if !out.IsTruncated {
		out.NextKeyMarker = ""
	}
	return out, nil
}

// versionedKeys walks .versions/ and returns every key that has at least
// one stored version, including keys whose primary no longer exists.
func (s *Store) versionedKeys(bucket string) ([]string, error) {
	root := filepath.Join(s.BucketPath(bucket), versionsDirName)
	found := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), SidecarSuffix) {
			return nil
		}
		rel, _ := filepath.Rel(root, filepath.Dir(path))
		found[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking versions of %q: %w", bucket, err)
	}
	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
