package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"audiopaste/pkg/domain"
	"audiopaste/svc/blob"
	"audiopaste/svc/db"
)

func newTestCollector(t *testing.T, grace time.Duration, batchSize int) (*Collector, *db.SQLite, *blob.Store) {
	sqlDB, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "test.db"), 10, 2, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	blobs, err := blob.New(t.TempDir(), ".webm")
	if err != nil {
		t.Fatal(err)
	}
	return NewCollector(sqlDB, blobs, grace, batchSize), sqlDB, blobs
}

func insertClip(t *testing.T, sqlDB *db.SQLite, blobs *blob.Store, key string, expiresAt time.Time, softDeleted bool) *domain.PasteRecord {
	path, err := blobs.Put(key, []byte("audio-"+key))
	if err != nil {
		t.Fatal(err)
	}
	rec := &domain.PasteRecord{
		Key:         key,
		Digest:      key + "0000",
		BlobPath:    path,
		OwnerToken:  "owner-a",
		CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:   expiresAt,
		SoftDeleted: softDeleted,
	}
	if err := sqlDB.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func blobExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweepRetiredRemovesExpiredAndDeleted(t *testing.T) {
	c, sqlDB, blobs := newTestCollector(t, 15*time.Minute, 100)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := insertClip(t, sqlDB, blobs, "aaaa0001", now.Add(-1*time.Hour), false)
	deleted := insertClip(t, sqlDB, blobs, "aaaa0002", now.Add(1*time.Hour), true)
	live := insertClip(t, sqlDB, blobs, "aaaa0003", now.Add(1*time.Hour), false)

	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsDeleted != 2 {
		t.Errorf("expected 2 records deleted, got %d", res.RecordsDeleted)
	}
	if res.BlobsDeleted != 2 {
		t.Errorf("expected 2 blobs deleted, got %d", res.BlobsDeleted)
	}
	for _, rec := range []*domain.PasteRecord{expired, deleted} {
		if _, err := sqlDB.GetByKey(ctx, rec.Key); err != domain.ErrNotFound {
			t.Errorf("retired record %s still present: %v", rec.Key, err)
		}
		if blobExists(rec.BlobPath) {
			t.Errorf("retired blob %s still present", rec.BlobPath)
		}
	}
	if _, err := sqlDB.GetByKey(ctx, live.Key); err != nil {
		t.Errorf("live record collected: %v", err)
	}
	if !blobExists(live.BlobPath) {
		t.Error("live blob collected")
	}
}

func TestSweepRetiredToleratesMissingBlob(t *testing.T) {
	c, sqlDB, blobs := newTestCollector(t, 15*time.Minute, 100)
	ctx := context.Background()

	rec := insertClip(t, sqlDB, blobs, "bbbb0001", time.Now().UTC().Add(-1*time.Hour), false)
	if err := blobs.Delete(rec.BlobPath); err != nil {
		t.Fatal(err)
	}
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsDeleted != 1 {
		t.Errorf("expected record deleted despite missing blob, got %d", res.RecordsDeleted)
	}
	if res.Errors != 0 {
		t.Errorf("missing blob counted as error: %d", res.Errors)
	}
}

func TestSweepRetiredBatches(t *testing.T) {
	c, sqlDB, blobs := newTestCollector(t, 15*time.Minute, 2)
	ctx := context.Background()
	past := time.Now().UTC().Add(-1 * time.Hour)
	for _, key := range []string{"cccc0001", "cccc0002", "cccc0003", "cccc0004", "cccc0005"} {
		insertClip(t, sqlDB, blobs, key, past, false)
	}
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsDeleted != 5 {
		t.Errorf("batched sweep left records behind: deleted %d of 5", res.RecordsDeleted)
	}
}

func TestOrphanSweptAfterGrace(t *testing.T) {
	c, sqlDB, blobs := newTestCollector(t, 15*time.Minute, 100)
	ctx := context.Background()

	live := insertClip(t, sqlDB, blobs, "dddd0001", time.Now().UTC().Add(1*time.Hour), false)
	orphan, err := blobs.Put("dddd0002", []byte("no record"))
	if err != nil {
		t.Fatal(err)
	}
	// Age the pass past the grace period instead of waiting it out.
	c.now = func() time.Time { return time.Now().Add(1 * time.Hour) }

	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrphansDeleted != 1 {
		t.Errorf("expected 1 orphan deleted, got %d", res.OrphansDeleted)
	}
	if blobExists(orphan) {
		t.Error("orphan blob survived the sweep")
	}
	if !blobExists(live.BlobPath) {
		t.Error("referenced blob swept as orphan")
	}
}

func TestGraceProtectsFreshBlob(t *testing.T) {
	c, _, blobs := newTestCollector(t, 15*time.Minute, 100)
	ctx := context.Background()

	// A blob written moments ago may belong to an upload whose metadata
	// commit has not landed yet.
	fresh, err := blobs.Put("eeee0001", []byte("in flight"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OrphansDeleted != 0 {
		t.Errorf("fresh blob swept inside grace period: %d", res.OrphansDeleted)
	}
	if !blobExists(fresh) {
		t.Error("fresh blob removed inside grace period")
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	c, sqlDB, blobs := newTestCollector(t, 15*time.Minute, 100)
	ctx := context.Background()
	insertClip(t, sqlDB, blobs, "ffff0001", time.Now().UTC().Add(-1*time.Hour), false)

	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordsDeleted != 0 || res.BlobsDeleted != 0 || res.OrphansDeleted != 0 {
		t.Errorf("second pass found work on a clean store: %+v", res)
	}
}
