package record

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Store abstracts the externally hosted keyed-record service used for
// serverless rendezvous: any backend offering list/create/update/delete
// of named strings with a TTL. The production deployment points this at
// a hosted key/value service; tests use MemoryStore.
type Store interface {
	// Put creates or overwrites a record. A zero TTL means the backend
	// default applies.
	Put(ctx context.Context, rec Record) error

	// List returns all live records whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]Record, error)

	// Delete removes a record by name. Deleting a missing record is not
	// an error: records expire passively and consumers race their owners.
	Delete(ctx context.Context, name string) error
}

// MemoryStore is an in-process Store with TTL expiry, used by tests and
// by single-host demos. Expired records are dropped lazily on access.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	content   string
	ttl       time.Duration
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process record store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:   clk,
		records: make(map[string]memoryRecord),
	}
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := time.Time{}
	if rec.TTL > 0 {
		expires = s.clock.Now().Add(rec.TTL)
	}
	s.records[rec.Name] = memoryRecord{
		content:   rec.Content,
		ttl:       rec.TTL,
		expiresAt: expires,
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []Record
	for name, rec := range s.records {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(s.records, name)
			continue
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, Record{Name: name, Content: rec.content, TTL: rec.ttl})
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}
