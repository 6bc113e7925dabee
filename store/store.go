// Package store keeps the paired Execution/CollectorResult records
// consistent under partial failure. The Manager enforces status
// transitions; StorageProvider is the small, storage-agnostic contract that
// Redis or an in-memory map can satisfy identically.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
)

// maxValueBytes bounds a single stored value. Oversized writes are rejected
// with aeoerr.ErrPayloadTooLarge; only the raw_response_json column can
// realistically exceed it, and its write path tolerates the rejection.
const maxValueBytes = 16 << 20

// checkValueSize is applied by every StorageProvider implementation before
// accepting a write.
func checkValueSize(key, value string) error {
	if len(value) > maxValueBytes {
		return aeoerr.New(aeoerr.ErrPayloadTooLarge,
			fmt.Sprintf("value for %s is %d bytes (max %d)", key, len(value), maxValueBytes), 0, nil)
	}
	return nil
}

// StorageProvider abstracts the underlying key/value backend.
// Implementations must be safe for concurrent use.
type StorageProvider interface {
	// Get retrieves a value by key. Returns empty string and nil error if
	// not found.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with TTL. Use 0 for no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns all keys currently stored under prefix. Manager does not
	// call it: reconciliation works on one execution id at a time, and
	// snapshot lookups go through the secondary index only.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
