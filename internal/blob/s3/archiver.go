package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarlsen/leverbot/internal/domain"
)

// ArchiveStore is the narrow store surface the archiver needs: stopped
// positions older than a cutoff, and deletion of positions that have been
// safely uploaded.
type ArchiveStore interface {
	ListStoppedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
	DeletePosition(ctx context.Context, ownerID, positionID string) error
}

// Archiver moves stopped positions out of the primary store into JSONL
// files on object storage. Records are deleted only after the upload
// succeeds, so a failed run leaves the store untouched.
type Archiver struct {
	writer *Writer
	store  ArchiveStore
	logger *slog.Logger

	// Prune controls whether archived positions are removed from the
	// primary store after upload.
	Prune bool

	now func() time.Time
}

// NewArchiver creates an Archiver writing through w and reading from store.
func NewArchiver(w *Writer, store ArchiveStore, prune bool, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: w,
		store:  store,
		logger: logger.With(slog.String("component", "archiver")),
		Prune:  prune,
		now:    time.Now,
	}
}

// ArchivePositions uploads all positions stopped before the cutoff as one
// JSONL object under the cutoff's year-month prefix and returns the archived
// count. Each run writes its own timestamped object, so a later run in the
// same month never overwrites rows an earlier run already pruned.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.store.ListStoppedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath(before, a.now().UTC())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Time("before", before),
	)

	if !a.Prune {
		return count, nil
	}
	for _, p := range positions {
		if err := a.store.DeletePosition(ctx, p.OwnerID, p.ID); err != nil {
			return count, fmt.Errorf("s3blob: prune position %s: %w", p.ID, err)
		}
	}
	return count, nil
}

// archivePath partitions archives by the year-month of the cutoff, one
// object per run:
//
//	archive/positions/2026-08/20260830T120000Z.jsonl
func archivePath(before, runAt time.Time) string {
	return fmt.Sprintf("archive/positions/%s/%s.jsonl",
		before.Format("2006-01"), runAt.Format("20060102T150405Z"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
