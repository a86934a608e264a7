package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-canvas/pkg/merge"
)

// MemorySessionStore is an in-memory ISessionStore used in tests and local
// runs without Postgres. A per-session mutex stands in for the row lock so
// concurrent merges for the same id serialize exactly like the SQL store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu      sync.Mutex // serializes merges for this id
	sess    Session
	deleted bool
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*memorySession)}
}

func (s *MemorySessionStore) Close() error { return nil }

func (s *MemorySessionStore) Create(ctx context.Context, id string, state merge.Snapshot, opts CreateOptions) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return nil, ErrSessionExists
	}

	now := time.Now()
	entry := &memorySession{sess: Session{
		ID:        id,
		Version:   0,
		State:     merge.Normalize(state),
		Name:      opts.Name,
		OwnerID:   opts.OwnerID,
		CreatedAt: now,
		UpdatedAt: now,
		SavedAt:   opts.SavedAt,
		ExpiresAt: opts.ExpiresAt,
	}}
	s.sessions[id] = entry

	return entry.copy(), nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted || entry.sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return entry.copy(), nil
}

func (s *MemorySessionStore) MergeAndUpdate(ctx context.Context, id string, incoming merge.Snapshot) (*Session, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted || entry.sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}

	entry.sess.State = merge.Merge(entry.sess.State, incoming)
	entry.sess.Version++
	entry.sess.UpdatedAt = time.Now()

	return entry.copy(), nil
}

func (s *MemorySessionStore) Pin(ctx context.Context, id string) (*Session, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := time.Now()
	if entry.deleted || entry.sess.Expired(now) {
		return nil, ErrSessionNotFound
	}

	if entry.sess.SavedAt == nil {
		saved := now
		entry.sess.SavedAt = &saved
	}
	entry.sess.ExpiresAt = nil
	entry.sess.UpdatedAt = now

	return entry.copy(), nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	entry.mu.Lock()
	entry.deleted = true
	entry.mu.Unlock()
	delete(s.sessions, id)

	return nil
}

func (s *MemorySessionStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	entries := make([]*memorySession, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	now := time.Now()
	var sessions []*Session
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.deleted && !entry.sess.Expired(now) {
			sessions = append(sessions, entry.copy())
		}
		entry.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

func (s *MemorySessionStore) SweepExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var swept int64
	for id, entry := range s.sessions {
		entry.mu.Lock()
		expired := entry.sess.Expired(now)
		if expired {
			entry.deleted = true
		}
		entry.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			swept++
		}
	}

	return swept, nil
}

func (s *MemorySessionStore) lookup(id string) (*memorySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// copy returns a detached Session; callers hold entry.mu.
func (e *memorySession) copy() *Session {
	out := e.sess
	out.State = merge.Normalize(e.sess.State)
	if e.sess.SavedAt != nil {
		saved := *e.sess.SavedAt
		out.SavedAt = &saved
	}
	if e.sess.ExpiresAt != nil {
		expires := *e.sess.ExpiresAt
		out.ExpiresAt = &expires
	}
	return &out
}

// Compile-time check that MemorySessionStore satisfies ISessionStore.
var _ ISessionStore = (*MemorySessionStore)(nil)
