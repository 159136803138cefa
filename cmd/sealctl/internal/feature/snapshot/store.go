package snapshot

import (
	"context"
	"io"
	"time"
)

// Object describes one stored snapshot object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the object-storage surface the scheduler uses:
// S3-compatible PUT/LIST/DELETE plus a metadata read for checksum
// verification.
type ObjectStore interface {
	// Put uploads body under key with the given checksum recorded as
	// object metadata. size must match the body length exactly.
	Put(ctx context.Context, key string, body io.Reader, size int64, checksum string) error

	// List returns objects under prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes an object by key.
	Delete(ctx context.Context, key string) error

	// Checksum reads back the stored checksum metadata and size for
	// key, for post-upload verification.
	Checksum(ctx context.Context, key string) (string, int64, error)
}

// Record is the metadata of one verified upload. The object store
// itself is the source of truth for what exists; records only feed
// logs, metrics, and the scheduler's bounded history.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	ObjectKey string    `json:"object_key"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}
