package gc

import (
	"context"
	"sync"
	"time"

	"audiopaste/metrics"
	"audiopaste/pkg/domain"
	"audiopaste/svc/blob"
	"audiopaste/svc/db"
	"audiopaste/svc/util"

	"github.com/pkg/errors"
)

// Collector reconciles the metadata store and the blob directory. It is a
// batch job outside the request path: pass 1 removes retired records (blob
// first, then row, so a crash can only leave a record whose blob is already
// gone, which the lifecycle check already treats as inaccessible), pass 2
// removes blobs no record references. A grace period keeps the orphan sweep
// from eating blobs whose metadata commit is still in flight.
type Collector struct {
	db        *db.SQLite
	blobs     *blob.Store
	grace     time.Duration
	batchSize int
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	now       func() time.Time
}

type Result struct {
	RecordsDeleted int
	BlobsDeleted   int
	OrphansDeleted int
	Errors         int
	Duration       time.Duration
}

func NewCollector(sqlDB *db.SQLite, blobs *blob.Store, grace time.Duration, batchSize int) *Collector {
	if sqlDB == nil || blobs == nil {
		panic("collector: nil dependency")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Collector{
		db:        sqlDB,
		blobs:     blobs,
		grace:     grace,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Start runs the collector periodically until ctx is cancelled.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	gcCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	go c.run(gcCtx, interval)
	util.Info().Dur("interval", interval).Dur("grace", c.grace).Msg("garbage collector started")
}

func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	util.Info().Msg("garbage collector stopped")
}

func (c *Collector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Fresh ID per pass so runs are distinguishable in the logs.
			runID := util.NewRequestID()
			passCtx := util.SetRequestID(ctx, runID)
			if _, err := c.RunOnce(passCtx); err != nil {
				util.Error().Err(err).Str("request_id", runID).Msg("gc pass failed")
			}
		}
	}
}

// RunOnce executes one full collection pass. The mutex guarantees passes
// never overlap; each pass is idempotent and safe to restart.
func (c *Collector) RunOnce(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	res := &Result{}

	if err := c.sweepRetired(ctx, res); err != nil {
		return res, err
	}
	if err := c.sweepOrphans(ctx, res); err != nil {
		return res, err
	}

	res.Duration = time.Since(start)
	metrics.GCRuns.Inc()
	metrics.GCRecordsDeleted.Add(float64(res.RecordsDeleted))
	metrics.GCBlobsDeleted.Add(float64(res.BlobsDeleted))
	metrics.GCOrphansDeleted.Add(float64(res.OrphansDeleted))
	metrics.GCDuration.Observe(res.Duration.Seconds())
	util.Info().
		Int("records", res.RecordsDeleted).
		Int("blobs", res.BlobsDeleted).
		Int("orphans", res.OrphansDeleted).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("gc pass completed")
	return res, nil
}

// sweepRetired deletes expired and soft-deleted records in bounded batches
// so normal traffic is never blocked behind a long store scan. Blob removal
// failures are logged and skipped, never aborting the pass.
func (c *Collector) sweepRetired(ctx context.Context, res *Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		recs, err := c.db.ListExpiredOrDeleted(ctx, c.now(), c.batchSize)
		if err != nil {
			return errors.Wrap(err, "list retired records")
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := c.blobs.Delete(rec.BlobPath); err != nil {
				// A missing blob is fine here: either it was already swept
				// or the record was inaccessible anyway.
				if !isMissing(err) {
					util.Warn().Err(err).Str("key", rec.Key).Str("blob_path", rec.BlobPath).Msg("gc: blob delete failed")
					res.Errors++
				}
			} else {
				res.BlobsDeleted++
			}
			if err := c.db.DeleteRecord(ctx, rec.Key); err != nil {
				util.Warn().Err(err).Str("key", rec.Key).Msg("gc: record delete failed")
				res.Errors++
				continue
			}
			res.RecordsDeleted++
		}
		if len(recs) < c.batchSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// sweepOrphans removes blobs no record references. It runs strictly after
// the retired sweep and skips blobs younger than the grace period: a freshly
// written blob may belong to an upload whose metadata commit has not landed.
func (c *Collector) sweepOrphans(ctx context.Context, res *Result) error {
	referenced, err := c.db.ListBlobPaths(ctx)
	if err != nil {
		return errors.Wrap(err, "list referenced blob paths")
	}
	keep := make(map[string]bool, len(referenced))
	for _, p := range referenced {
		keep[p] = true
	}
	infos, err := c.blobs.List()
	if err != nil {
		return errors.Wrap(err, "enumerate blobs")
	}
	cutoff := c.now().Add(-c.grace)
	for _, info := range infos {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if keep[info.Path] {
			continue
		}
		if info.ModTime.After(cutoff) {
			continue
		}
		if err := c.blobs.Delete(info.Path); err != nil {
			if !isMissing(err) {
				util.Warn().Err(err).Str("blob_path", info.Path).Msg("gc: orphan delete failed")
				res.Errors++
			}
			continue
		}
		util.Debug().Str("blob_path", info.Path).Msg("gc: orphan blob removed")
		res.OrphansDeleted++
	}
	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, domain.ErrBlobMissing)
}
