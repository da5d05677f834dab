// Package uid provides identifier generation for driftstore.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New generates a 32-character hex string suitable for temp file names and
// other short-lived identifiers, using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// RequestID generates the short hex ID surfaced in x-amz-request-id.
func RequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// VersionID generates an object version identifier.
func VersionID() string {
	return uuid.NewString()
}

// UploadID generates a multipart upload identifier.
func UploadID() string {
	return uuid.NewString()
}
