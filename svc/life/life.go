package life

import (
	"context"
	"time"

	"audiopaste/pkg/domain"
	"audiopaste/svc/blob"
	"audiopaste/svc/db"
	"audiopaste/svc/util"

	"github.com/pkg/errors"
)

// Manager decides, per access, whether a record may be served. Expiry is
// time-dependent and soft deletion is externally triggerable, so the checks
// run on every access with no caching of the decision.
type Manager struct {
	db    *db.SQLite
	blobs *blob.Store
	now   func() time.Time
}

func NewManager(sqlDB *db.SQLite, blobs *blob.Store) *Manager {
	if sqlDB == nil || blobs == nil {
		panic("lifecycle manager: nil dependency")
	}
	return &Manager{db: sqlDB, blobs: blobs, now: time.Now}
}

// ValidateAccess evaluates the retirement and integrity checks in order,
// short-circuiting on the first failure:
//
//  1. soft-deleted record            -> Gone
//  2. expired record                 -> soft-delete write-back, Gone
//  3. locator escapes the blob root  -> Forbidden
//  4. blob file absent               -> Missing (data loss, not a policy failure)
func (m *Manager) ValidateAccess(ctx context.Context, rec *domain.PasteRecord) domain.Decision {
	if rec.SoftDeleted {
		return domain.Gone
	}
	if rec.ExpiresAt.Before(m.now()) {
		// Lazy expiration: record the retirement now so the collector can
		// pick it up even if no background sweep ever saw it expire.
		if err := m.db.MarkSoftDeleted(ctx, rec.Key); err != nil {
			util.Warn().Err(err).Str("key", rec.Key).Msg("expiry write-back failed")
		}
		return domain.Gone
	}
	if !m.blobs.Contains(rec.BlobPath) {
		util.Warn().Str("key", rec.Key).Str("blob_path", rec.BlobPath).Msg("storage location escapes blob root")
		return domain.Forbidden
	}
	if _, err := m.blobs.Stat(rec.BlobPath); err != nil {
		if errors.Is(err, domain.ErrBlobMissing) {
			util.Error().Str("key", rec.Key).Str("blob_path", rec.BlobPath).Msg("live record with missing blob")
			return domain.Missing
		}
		util.Error().Err(err).Str("key", rec.Key).Msg("blob stat failed")
		return domain.Missing
	}
	return domain.Accessible
}

// Err maps a non-accessible decision to its typed domain error.
func Err(d domain.Decision) error {
	switch d {
	case domain.Gone:
		return domain.ErrGone
	case domain.Forbidden:
		return domain.ErrForbidden
	case domain.Missing:
		return domain.ErrBlobMissing
	default:
		return nil
	}
}
