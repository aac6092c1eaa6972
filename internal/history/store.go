package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Get for unknown entry ids.
var ErrNotFound = errors.New("history: entry not found")

// Store is the local history store: entries addressed by id plus a
// last-sync cursor used to bound outgoing batches.
type Store interface {
	Get(ctx context.Context, id string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, id string) error
	// All returns every entry, tombstones included, ordered by visit time.
	All(ctx context.Context) ([]Entry, error)
	// Since returns entries visited after the given instant.
	Since(ctx context.Context, t time.Time) ([]Entry, error)
	Cursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, t time.Time) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	cursor  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) All(ctx context.Context) ([]Entry, error) {
	return s.Since(ctx, time.Time{})
}

func (s *MemoryStore) Since(_ context.Context, t time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.VisitTime.After(t) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VisitTime.Equal(out[j].VisitTime) {
			return out[i].VisitTime.Before(out[j].VisitTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Cursor(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = t
	return nil
}

// Reconciler applies remote batches to a Store through Merge, keeping at
// most one entry per URL.
type Reconciler struct {
	store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Apply merges incoming into the store and returns how many entries
// changed. Losing local entries for the same URL are removed so the
// store stays one-entry-per-URL.
func (r *Reconciler) Apply(ctx context.Context, incoming []Entry) (int, error) {
	existing, err := r.store.All(ctx)
	if err != nil {
		return 0, err
	}

	byURL := make(map[string]Entry, len(existing))
	for _, entry := range existing {
		if current, ok := byURL[entry.URL]; !ok || wins(entry, current) {
			byURL[entry.URL] = entry
		}
	}

	changed := 0
	for _, entry := range incoming {
		current, ok := byURL[entry.URL]
		if ok && !wins(entry, current) {
			continue
		}
		if ok && current.ID != entry.ID {
			if err := r.store.Delete(ctx, current.ID); err != nil {
				return changed, err
			}
		}
		if err := r.store.Put(ctx, entry); err != nil {
			return changed, err
		}
		byURL[entry.URL] = entry
		changed++
	}
	return changed, nil
}
