package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"audiopaste/cfg"
	"audiopaste/metrics"
	"audiopaste/pkg/domain"
	"audiopaste/svc/blob"
	"audiopaste/svc/cache"
	"audiopaste/svc/db"
	"audiopaste/svc/life"
	"audiopaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Hasher derives content-addressed keys. Key must be a deterministic
// truncation of Digest so two equal contents always map to the same key.
type Hasher interface {
	Digest(content []byte) string
	Key(digest string) string
}

// Paste orchestrates the hasher, blob store, metadata store and lifecycle
// manager behind the four public operations: upload, read, list, validate.
type Paste struct {
	db       *db.SQLite
	blobs    *blob.Store
	lru      *cache.LRU
	rdb      *db.Redis
	hasher   Hasher
	life     *life.Manager
	cfg      *cfg.Cfg
	reads    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
	now      func() time.Time
}

func NewPaste(sqlDB *db.SQLite, blobs *blob.Store, lru *cache.LRU, rdb *db.Redis, h Hasher, lm *life.Manager, c *cfg.Cfg) *Paste {
	if sqlDB == nil || blobs == nil || lru == nil || h == nil || lm == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, blobs, lru, hasher, lifecycle, or cfg)")
	}
	return &Paste{
		db:     sqlDB,
		blobs:  blobs,
		lru:    lru,
		rdb:    rdb,
		hasher: h,
		life:   lm,
		cfg:    c,
		now:    time.Now,
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Upload stores a clip and returns its record. Identical bytes collapse to
// the existing live record; a truncated-hash collision with different bytes
// is rejected with ErrConflict instead of overwriting. The blob is durably
// written before the metadata commit, so a crash in between leaves an orphan
// blob for the collector, never a dangling record.
func (p *Paste) Upload(ctx context.Context, params domain.UploadParams) (*domain.PasteRecord, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if len(params.Content) == 0 {
		return nil, domain.ErrEmptyContent
	}
	if int64(len(params.Content)) > p.cfg.MaxClipSize {
		return nil, domain.ErrClipTooLarge
	}
	ttl := params.TTL
	if ttl == 0 {
		ttl = p.cfg.DefaultTTL
	}
	if ttl < 0 {
		return nil, domain.ErrInvalidTTL
	}

	digest := p.hasher.Digest(params.Content)
	key := p.hasher.Key(digest)

	existing, err := p.db.GetByKey(ctx, key)
	switch {
	case err == nil:
		return p.resolveExisting(ctx, existing, digest, params, ttl)
	case errors.Is(err, domain.ErrNotFound):
		// fresh key
	default:
		return nil, errors.Wrap(err, "lookup existing record")
	}

	return p.create(ctx, key, digest, params, ttl)
}

// resolveExisting handles an upload whose key already has a record: either
// the idempotent case (same digest), a refresh of a retired record, or a
// genuine truncated-hash collision.
func (p *Paste) resolveExisting(ctx context.Context, existing *domain.PasteRecord, digest string, params domain.UploadParams, ttl time.Duration) (*domain.PasteRecord, error) {
	if existing.Digest != digest {
		metrics.ClipConflict.Inc()
		util.Warn().Str("key", existing.Key).Msg("truncated hash collision between distinct payloads")
		return nil, domain.ErrConflict
	}
	if !existing.SoftDeleted && existing.ExpiresAt.After(p.now()) {
		metrics.ClipIdempotentHit.Inc()
		return existing, nil
	}
	// Same bytes but the record is retired and not yet collected. soft_deleted
	// never reverts, so retire the row physically and recreate it fresh;
	// create rewrites the blob before the new insert.
	if err := p.db.DeleteRecord(ctx, existing.Key); err != nil {
		return nil, errors.Wrap(err, "retire stale record")
	}
	return p.create(ctx, existing.Key, digest, params, ttl)
}

func (p *Paste) create(ctx context.Context, key, digest string, params domain.UploadParams, ttl time.Duration) (*domain.PasteRecord, error) {
	blobPath, err := p.blobs.Put(key, params.Content)
	if err != nil {
		return nil, errors.Wrap(err, "write blob")
	}
	now := p.now()
	rec := &domain.PasteRecord{
		Key:        key,
		Digest:     digest,
		BlobPath:   blobPath,
		OwnerToken: params.OwnerToken,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := p.db.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// Lost an insert race. The winner wrote identical or colliding
			// bytes; re-read and resolve the same way as a lookup hit.
			winner, getErr := p.db.GetByKey(ctx, key)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "re-read after duplicate insert")
			}
			if winner.Digest != digest {
				metrics.ClipConflict.Inc()
				return nil, domain.ErrConflict
			}
			metrics.ClipIdempotentHit.Inc()
			return winner, nil
		}
		// The blob is already durable; an insert failure leaves an orphan
		// for the collector rather than a dangling record.
		return nil, errors.Wrap(err, "insert record")
	}
	p.lru.Set(key, params.Content)
	if p.rdb != nil {
		if err := p.rdb.CacheBlob(ctx, key, params.Content, ttl); err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to cache in Redis")
		}
	}
	metrics.ClipUploaded.Inc()
	return rec, nil
}

// Read returns the clip bytes and record for key, re-validating access on
// every call. Bytes may be served from cache; the accessibility decision
// never is.
func (p *Paste) Read(ctx context.Context, key string) ([]byte, *domain.PasteRecord, error) {
	if p.shutdown.Load() {
		return nil, nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	rec, err := p.db.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "get record")
	}
	if d := p.life.ValidateAccess(ctx, rec); d != domain.Accessible {
		p.dropCached(ctx, key)
		return nil, nil, life.Err(d)
	}

	if content, ok := p.lru.Get(key); ok {
		metrics.CacheHits.Inc()
		metrics.ClipRetrieved.Inc()
		return content, rec, nil
	}
	metrics.CacheMisses.Inc()
	if p.rdb != nil {
		if content, err := p.rdb.GetBlob(ctx, key); err == nil && content != nil {
			p.lru.Set(key, content)
			metrics.ClipRetrieved.Inc()
			return content, rec, nil
		}
	}

	v, err, _ := p.reads.Do(key, func() (interface{}, error) {
		return p.blobs.Get(rec.BlobPath)
	})
	if err != nil {
		if errors.Is(err, domain.ErrBlobMissing) {
			return nil, nil, domain.ErrBlobMissing
		}
		return nil, nil, errors.Wrap(err, "read blob")
	}
	content := v.([]byte)
	p.lru.Set(key, content)
	if p.rdb != nil {
		if err := p.rdb.CacheBlob(ctx, key, content, time.Until(rec.ExpiresAt)); err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to cache in Redis")
		}
	}
	metrics.ClipRetrieved.Inc()
	return content, rec, nil
}

// ListOwned returns the keys of the owner's currently accessible clips,
// newest first. Records failing validation are excluded, not errors.
func (p *Paste) ListOwned(ctx context.Context, ownerToken string) ([]string, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	recs, err := p.db.ListByOwner(ctx, ownerToken)
	if err != nil {
		return nil, errors.Wrap(err, "list by owner")
	}
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		if p.life.ValidateAccess(ctx, rec) == domain.Accessible {
			keys = append(keys, rec.Key)
		}
	}
	return keys, nil
}

// ValidateMany returns the subset of keys that are currently accessible.
// Inaccessible keys are excluded without revealing why.
func (p *Paste) ValidateMany(ctx context.Context, keys []string) ([]string, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if len(keys) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(keys))
	unique := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, k)
	}
	recs, err := p.db.GetManyByKeys(ctx, unique)
	if err != nil {
		return nil, errors.Wrap(err, "get many by keys")
	}
	byKey := make(map[string]*domain.PasteRecord, len(recs))
	for _, rec := range recs {
		byKey[rec.Key] = rec
	}
	accessible := make([]string, 0, len(unique))
	for _, k := range unique {
		rec, ok := byKey[k]
		if !ok {
			continue
		}
		if p.life.ValidateAccess(ctx, rec) == domain.Accessible {
			accessible = append(accessible, k)
		}
	}
	return accessible, nil
}

// Delete soft-deletes a clip when the caller presents the owning token.
// The flag is monotonic; physical removal is the collector's job.
func (p *Paste) Delete(ctx context.Context, ownerToken, key string) error {
	if p.shutdown.Load() {
		return errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	rec, err := p.db.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return errors.Wrap(err, "get record")
	}
	if rec.OwnerToken == "" || rec.OwnerToken != ownerToken {
		return domain.ErrForbidden
	}
	if err := p.db.MarkSoftDeleted(ctx, key); err != nil {
		return errors.Wrap(err, "mark soft deleted")
	}
	p.dropCached(ctx, key)
	util.Info().Str("key", key).Msg("clip soft-deleted by owner")
	return nil
}

func (p *Paste) dropCached(ctx context.Context, key string) {
	p.lru.Delete(key)
	if p.rdb != nil {
		if err := p.rdb.DeleteBlob(ctx, key); err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to drop redis entry")
		}
	}
}
