package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// SnapshotArchiver stores completed market snapshots in cold storage.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, snap MarketSnapshot) (string, error)
}
