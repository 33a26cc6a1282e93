// Package blob stores document bodies and result payloads. Objects are
// content-addressed: Put computes the payload's sha256 and returns it with
// a driver-qualified reference, and those two values are what the document
// gate binds signatures to.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Driver identifies a concrete blob storage backend.
type Driver string

const (
	// DriverMemory is the in-process backend used in tests.
	DriverMemory Driver = "memory"
	// DriverFilesystem is the local filesystem backend (default, dev).
	DriverFilesystem Driver = "fs"
	// DriverS3 is an S3 / MinIO compatible backend.
	DriverS3 Driver = "s3"
)

// Object describes a stored payload.
type Object struct {
	// Ref is the driver-qualified reference recorded on documents and
	// results, of the form blob://<driver>/<key>.
	Ref         string `json:"ref"`
	Key         string `json:"key"`
	Size        int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
	// SHA256 is the hex content hash the signature binding covers.
	SHA256   string    `json:"sha256"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is the payload storage surface. Keys are write-once: a second Put
// on the same key fails rather than silently replacing content a signature
// may already bind to.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
	Get(ctx context.Context, key string) (Object, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Driver() Driver
}

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("blob: object not found")

// KeyExistsError reports a Put against a key that already holds content.
type KeyExistsError struct {
	Key string
}

func (e *KeyExistsError) Error() string {
	return fmt.Sprintf("blob: key %q already exists", e.Key)
}

// Ref builds the stored reference for a driver and key.
func Ref(d Driver, key string) string {
	return "blob://" + string(d) + "/" + key
}

// HashBytes returns the hex sha256 of a payload.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	return nil
}

// Open constructs a store from process environment:
//
//	CROBRIDGE_BLOB_DRIVER      memory|fs|s3 (default fs)
//	CROBRIDGE_BLOB_FS_ROOT     filesystem root (default ./blobs)
//	CROBRIDGE_BLOB_S3_BUCKET   bucket, required for s3
//	CROBRIDGE_BLOB_S3_REGION   default us-east-1
//	CROBRIDGE_BLOB_S3_ENDPOINT optional, for MinIO
//	CROBRIDGE_BLOB_S3_PATH_STYLE true|false
func Open(ctx context.Context) (Store, error) {
	driver := Driver(strings.ToLower(os.Getenv("CROBRIDGE_BLOB_DRIVER")))
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverFilesystem, "":
		root := os.Getenv("CROBRIDGE_BLOB_FS_ROOT")
		if root == "" {
			root = "blobs"
		}
		return NewFilesystem(root)
	}
	return nil, fmt.Errorf("blob: unknown driver %q", driver)
}
