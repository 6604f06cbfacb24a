package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pointerlink/internal/peer"
)

func TestRegistryIgnoresSelf(t *testing.T) {
	r := NewRegistry("me", 8*time.Second)
	assert.False(t, r.Upsert(peer.Record{ID: "me", Name: "self"}))
	assert.False(t, r.Upsert(peer.Record{ID: ""}))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryUpsertReplacesWholeRecord(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry("me", 8*time.Second)

	assert.True(t, r.Upsert(peer.Record{ID: "a", Name: "desk", Address: "10.0.0.2", ControlPort: 8765, LastSeen: now}))
	assert.True(t, r.Upsert(peer.Record{ID: "a", Name: "desk", Address: "10.0.0.2", ControlPort: 8765, LastSeen: now.Add(time.Second)}))
	rec, _ := r.Get("a")
	assert.Equal(t, now.Add(time.Second), rec.LastSeen, "an identical beacon still refreshes last_seen")

	assert.True(t, r.Upsert(peer.Record{ID: "a", Name: "desk", Address: "10.0.0.9", LastSeen: now.Add(2 * time.Second)}))

	rec, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.9", rec.Address)
	assert.Equal(t, 0, rec.ControlPort, "fields absent from the newest beacon are not merged")
	assert.Equal(t, now.Add(2*time.Second), rec.LastSeen)
}

func TestRegistryPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry("me", 8*time.Second)
	r.Upsert(peer.Record{ID: "old", LastSeen: now})
	r.Upsert(peer.Record{ID: "new", LastSeen: now.Add(5 * time.Second)})

	assert.False(t, r.Prune(now.Add(8*time.Second)), "exactly TTL old is kept")
	assert.True(t, r.Prune(now.Add(8*time.Second+time.Millisecond)))

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("new")
	assert.True(t, ok)
}

func TestRegistrySnapshotIsSortedCopy(t *testing.T) {
	r := NewRegistry("me", time.Minute)
	r.Upsert(peer.Record{ID: "2", Name: "beta"})
	r.Upsert(peer.Record{ID: "1", Name: "alpha"})
	r.Upsert(peer.Record{ID: "0", Name: "beta"})

	snap := r.Snapshot()
	assert.Equal(t, []peer.ID{"1", "0", "2"}, []peer.ID{snap[0].ID, snap[1].ID, snap[2].ID})

	snap[0].Name = "mutated"
	rec, _ := r.Get("1")
	assert.Equal(t, "alpha", rec.Name)
}
