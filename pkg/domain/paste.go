package domain

import (
	"time"
)

// PasteRecord is the lifecycle record for one stored clip. The key is derived
// from the content bytes, so identical uploads collapse to one record.
type PasteRecord struct {
	Key         string    `json:"key"`
	Digest      string    `json:"-"`
	BlobPath    string    `json:"-"`
	OwnerToken  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	SoftDeleted bool      `json:"-"`
}

type UploadParams struct {
	OwnerToken string
	Content    []byte
	TTL        time.Duration
}

// Decision is the lifecycle verdict for a single access attempt.
// Recomputed on every access, never cached.
type Decision int

const (
	Accessible Decision = iota
	Gone
	Forbidden
	// Missing means the record is live but its blob is gone from storage.
	// Data-loss case, distinct from Gone and Forbidden.
	Missing
)

func (d Decision) String() string {
	switch d {
	case Accessible:
		return "accessible"
	case Gone:
		return "gone"
	case Forbidden:
		return "forbidden"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}
