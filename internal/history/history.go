// Package history merges browsing history across devices using
// last-write-wins semantics keyed by URL.
package history

import "time"

// Entry is one browsing-history record. Tombstones mark deletions and
// travel through sync like ordinary writes.
type Entry struct {
	ID        string    `msgpack:"id"`
	URL       string    `msgpack:"url"`
	Title     string    `msgpack:"title"`
	VisitTime time.Time `msgpack:"visitTime"`
	DeviceID  string    `msgpack:"deviceId"`
	Tombstone bool      `msgpack:"tombstone"`
}

// wins reports whether incoming replaces current for the same URL.
// Later visit times win. A tombstone also wins a tie, so a delete beats
// the write it deletes. Ties between two writes break on the greater
// entry id, which keeps the outcome independent of delivery order.
func wins(incoming, current Entry) bool {
	switch {
	case incoming.VisitTime.After(current.VisitTime):
		return true
	case current.VisitTime.After(incoming.VisitTime):
		return false
	case incoming.Tombstone != current.Tombstone:
		return incoming.Tombstone
	default:
		return incoming.ID > current.ID
	}
}

// Merge folds incoming entries into local, keyed by URL, and returns
// local. The rule is commutative and idempotent, so replaying a batch or
// delivering batches out of order always converges to the same state.
func Merge(local map[string]Entry, incoming []Entry) map[string]Entry {
	if local == nil {
		local = make(map[string]Entry, len(incoming))
	}
	for _, entry := range incoming {
		current, ok := local[entry.URL]
		if !ok || wins(entry, current) {
			local[entry.URL] = entry
		}
	}
	return local
}
