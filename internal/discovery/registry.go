package discovery

import (
	"sort"
	"time"

	"pointerlink/internal/peer"
)

// Registry holds the last known record of every remote peer. It is owned
// by the discovery loop and is not safe for concurrent use; other
// goroutines read published snapshots instead.
type Registry struct {
	self    peer.ID
	ttl     time.Duration
	records map[peer.ID]peer.Record
}

// NewRegistry creates a registry that never stores self.
func NewRegistry(self peer.ID, ttl time.Duration) *Registry {
	return &Registry{
		self:    self,
		ttl:     ttl,
		records: make(map[peer.ID]peer.Record),
	}
}

// Upsert replaces the record for rec.ID wholesale. It reports whether the
// record was stored; the local id and empty ids are refused.
func (r *Registry) Upsert(rec peer.Record) bool {
	if rec.ID == "" || rec.ID == r.self {
		return false
	}
	r.records[rec.ID] = rec
	return true
}

// Prune drops records not seen for longer than the TTL and reports whether
// any were removed.
func (r *Registry) Prune(now time.Time) bool {
	changed := false
	for id, rec := range r.records {
		if now.Sub(rec.LastSeen) > r.ttl {
			delete(r.records, id)
			changed = true
		}
	}
	return changed
}

// Get returns the record for id.
func (r *Registry) Get(id peer.ID) (peer.Record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	return len(r.records)
}

// Snapshot returns a copy of all records ordered by name, then id.
func (r *Registry) Snapshot() []peer.Record {
	out := make([]peer.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
