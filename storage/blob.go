// Package storage implements the blob store adapter over S3-compatible
// object storage (AWS S3, MinIO). It holds raw uploads and per-page
// artifacts; all keys are path-like and content-addressed where possible.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Key layout inside the documents bucket:
//
//	raw/{checksum}                      original upload bytes
//	pages/{version_id}/{page}/image.png rendered page image
//	pages/{version_id}/{page}/ocr.json  raw OCR output
func RawKey(checksum string) string {
	return fmt.Sprintf("raw/%s", checksum)
}

// PageImageKey returns the blob key for a rendered page image.
func PageImageKey(versionID string, pageNumber int) string {
	return fmt.Sprintf("pages/%s/%d/image.png", versionID, pageNumber)
}

// PageOCRKey returns the blob key for a page's raw OCR output.
func PageOCRKey(versionID string, pageNumber int) string {
	return fmt.Sprintf("pages/%s/%d/ocr.json", versionID, pageNumber)
}

// VersionPrefix returns the key prefix holding all page artifacts of a
// version, used for bulk deletes.
func VersionPrefix(versionID string) string {
	return fmt.Sprintf("pages/%s/", versionID)
}

// BlobStore defines the blob operations the pipeline and API depend on.
// Put is atomic per object; Get after Put is read-your-writes; Delete is
// idempotent.
type BlobStore interface {
	// EnsureBucket creates the bucket if it does not exist
	EnsureBucket(ctx context.Context) error

	// Put uploads bytes under key and returns the etag
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// PutStream uploads from a reader, used for large raw documents
	PutStream(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get downloads the object bytes
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the object is present
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object; deleting a missing object is not an error
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Presign returns a time-limited GET URL for the object
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
