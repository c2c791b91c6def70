package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/swipefeed/internal/domain"
)

// Archiver implements domain.SnapshotArchiver by serializing each snapshot
// to gzip-compressed JSON and uploading it through a BlobWriter.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// archiveRecord is the on-disk shape of an archived snapshot.
type archiveRecord struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Source    string          `json:"source"`
	Count     int             `json:"count"`
	Markets   []domain.Market `json:"markets"`
}

// ArchiveSnapshot uploads snap and returns the object path it was written to.
// Snapshots with no markets are skipped and return an empty path.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap domain.MarketSnapshot) (string, error) {
	if len(snap.Markets) == 0 {
		return "", nil
	}

	buf, err := gzipJSON(archiveRecord{
		FetchedAt: snap.FetchedAt,
		Source:    string(snap.Source),
		Count:     len(snap.Markets),
		Markets:   snap.Markets,
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}

	path := archivePath(snap.FetchedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/gzip"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot upload: %w", err)
	}
	return path, nil
}

// archivePath builds the object key for a snapshot, partitioned by UTC day.
//
//	markets/2026/10/18/142530.json.gz
func archivePath(fetchedAt time.Time) string {
	t := fetchedAt.UTC()
	return fmt.Sprintf("markets/%s/%s.json.gz", t.Format("2006/01/02"), t.Format("150405"))
}

// gzipJSON encodes v as compact JSON and compresses it.
func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("json encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.SnapshotArchiver = (*Archiver)(nil)
