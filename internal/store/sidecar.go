package store

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Encryption is the sidecar block holding the per-object key material.
// Without it the on-disk ciphertext cannot be opened.
type Encryption struct {
	Algorithm   string `json:"algorithm"`
	KeyBase64   string `json:"key_base64"`
	NonceBase64 string `json:"nonce_base64"`
}

// ObjectMeta is the JSON sidecar persisted next to every object file.
// Size is the on-disk byte count (ciphertext length for encrypted
// objects); ETag is always the hex MD5 of the plaintext the client sent.
type ObjectMeta struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"last_modified"`
	ContentType  string            `json:"content_type"`
	StorageClass string            `json:"storage_class"`
	Metadata     map[string]string `json:"metadata"`
	VersionID    string            `json:"version_id,omitempty"`
	Encryption   *Encryption       `json:"encryption,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// writeSidecar persists the sidecar atomically.
func (s *Store) writeSidecar(path string, meta ObjectMeta) error {
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return s.writeFileAtomic(path, data)
}

// readSidecar parses a sidecar file. Unknown fields are ignored.
func readSidecar(path string) (ObjectMeta, error) {
	var meta ObjectMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing sidecar %q: %w", path, err)
	}
	return meta, nil
}

// loadMeta reads the sidecar for an object file, deriving metadata from the
// file itself when the sidecar is missing or unreadable: the ETag becomes
// the MD5 of the on-disk bytes, last-modified the file mtime, and the
// content type the octet-stream default.
func (s *Store) loadMeta(objPath, sidecarPath, key string) (ObjectMeta, error) {
	meta, err := readSidecar(sidecarPath)
	if err == nil {
		return meta, nil
	}
	if !os.IsNotExist(err) {
		s.log.Warn("unreadable sidecar, deriving metadata", "path", sidecarPath, "error", err)
	}

	info, statErr := os.Stat(objPath)
	if statErr != nil {
		return ObjectMeta{}, statErr
	}
	etag, hashErr := fileMD5(objPath)
	if hashErr != nil {
		return ObjectMeta{}, hashErr
	}
	return ObjectMeta{
		Key:          key,
		Size:         info.Size(),
		ETag:         etag,
		LastModified: info.ModTime().UTC(),
		ContentType:  "application/octet-stream",
		StorageClass: DefaultStorageClass,
		Metadata:     map[string]string{},
	}, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
