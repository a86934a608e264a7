package db

import (
	"context"
	"errors"
	"time"

	"collab-canvas/pkg/merge"
)

// Session is a versioned canvas document.
type Session struct {
	ID        string         `json:"id"`
	Version   int            `json:"version"`
	State     merge.Snapshot `json:"state"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"ownerId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// SavedAt is set once when the session is pinned; a session without it is
	// ephemeral and expires at ExpiresAt.
	SavedAt   *time.Time `json:"savedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the session is past its TTL. Pinned sessions never
// expire.
func (s *Session) Expired(now time.Time) bool {
	return s.SavedAt == nil && s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// CreateOptions carries the optional metadata for a new session.
type CreateOptions struct {
	Name      string
	OwnerID   string
	ExpiresAt *time.Time
	SavedAt   *time.Time
}

var (
	// ErrSessionNotFound is returned when a session id is absent or past expiry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating an id that is already taken.
	ErrSessionExists = errors.New("session already exists")
)

// ISessionStore is the persistence contract for sessions. MergeAndUpdate is
// the only write path for state: it must serialize concurrent merges for the
// same id while letting unrelated sessions proceed in parallel.
type ISessionStore interface {
	Create(ctx context.Context, id string, state merge.Snapshot, opts CreateOptions) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	MergeAndUpdate(ctx context.Context, id string, incoming merge.Snapshot) (*Session, error)
	Pin(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	SweepExpired(ctx context.Context) (int64, error)
	Close() error
}
