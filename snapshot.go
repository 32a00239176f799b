package tapeann

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tapeann/blobstore"
	"github.com/hupe1980/tapeann/pagestore"
	"github.com/hupe1980/tapeann/resource"
)

// snapshotCurrentKey names the pointer blob that resolves to the newest
// published snapshot.
const snapshotCurrentKey = "CURRENT"

// SnapshotManifest describes one exported snapshot. It is stored next to the
// snapshot blob as JSON for operators and tooling; restore only needs the
// blob itself.
type SnapshotManifest struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Quantized bool      `json:"quantized"`
	LiveCount uint64    `json:"live_count"`
	PageCount uint32    `json:"page_count"`
}

// Export flushes metadata and streams an lz4-compressed page dump to the
// blob store, then publishes it as the current snapshot. Mutations are
// blocked for the duration so the dump is a consistent point-in-time image.
// Returns the snapshot's blob name.
func (idx *Index) Export(ctx context.Context, bs blobstore.Store) (string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return "", ErrClosed
	}
	if err := idx.writeMetaLocked(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("snapshots/%d.snap.lz4", time.Now().UnixNano())

	wb, err := bs.Create(ctx, name)
	if err != nil {
		return "", fmt.Errorf("tapeann: create snapshot blob: %w", err)
	}

	zw := lz4.NewWriter(resource.NewRateLimitedWriter(ctx, wb, idx.opts.controller))
	if err := idx.store.Snapshot(zw); err != nil {
		wb.Close()
		return "", fmt.Errorf("tapeann: export pages: %w", err)
	}
	if err := zw.Close(); err != nil {
		wb.Close()
		return "", fmt.Errorf("tapeann: finish compression: %w", err)
	}
	if err := wb.Close(); err != nil {
		return "", fmt.Errorf("tapeann: commit snapshot blob: %w", err)
	}

	manifest, err := json.Marshal(SnapshotManifest{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Dimension: idx.dimension,
		Metric:    idx.opts.metric.String(),
		Quantized: idx.opts.quantize,
		LiveCount: idx.liveCount,
		PageCount: idx.store.PageCount(),
	})
	if err != nil {
		return "", err
	}
	if err := bs.Put(ctx, name+".manifest.json", manifest); err != nil {
		return "", fmt.Errorf("tapeann: write manifest: %w", err)
	}

	if err := bs.Put(ctx, snapshotCurrentKey, []byte(name)); err != nil {
		return "", fmt.Errorf("tapeann: publish snapshot: %w", err)
	}

	idx.logger.InfoContext(ctx, "snapshot exported", "name", name, "pages", idx.store.PageCount())
	return name, nil
}

// Import restores an index from the blob store's current snapshot into a
// fresh in-memory page store. heap must resolve the same rows the exported
// index referenced. Options tune the restored index's runtime behavior only;
// its geometry comes from the snapshot's metadata.
func Import(ctx context.Context, bs blobstore.Store, heap pagestore.VectorSource, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)

	cur, err := blobstore.ReadAll(ctx, bs, snapshotCurrentKey)
	if err != nil {
		return nil, fmt.Errorf("tapeann: resolve current snapshot: %w", err)
	}
	name := string(bytes.TrimSpace(cur))

	blob, err := bs.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("tapeann: open snapshot %s: %w", name, err)
	}
	defer blob.Close()

	zr := lz4.NewReader(resource.NewRateLimitedReader(ctx, blob, o.controller))
	store, err := pagestore.RestoreMemoryStore(zr)
	if err != nil {
		return nil, fmt.Errorf("tapeann: restore snapshot %s: %w", name, err)
	}
	return Open(store, heap, optFns...)
}
