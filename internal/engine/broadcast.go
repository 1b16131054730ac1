package engine

import (
	"sync"

	"github.com/flowmesh/schedd/internal/cyclepoint"
)

// broadcastEntry is one runtime override applied to a namespace at a
// cycle point (spec.md §4.1 step 10 "broadcast overrides").
type broadcastEntry struct {
	Point     cyclepoint.Point
	Namespace string
	Setting   string
	Value     string
}

// BroadcastStore holds runtime configuration overrides, pruned each
// tick of anything older than the pool's earliest active cycle point.
type BroadcastStore struct {
	mu      sync.Mutex
	entries []broadcastEntry
}

// NewBroadcastStore creates an empty broadcast override store.
func NewBroadcastStore() *BroadcastStore {
	return &BroadcastStore{}
}

// Set records (or replaces) one override.
func (b *BroadcastStore) Set(point cyclepoint.Point, namespace, setting, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.Point.Equal(point) && e.Namespace == namespace && e.Setting == setting {
			b.entries[i].Value = value
			return
		}
	}
	b.entries = append(b.entries, broadcastEntry{Point: point, Namespace: namespace, Setting: setting, Value: value})
}

// Get looks up an override for a namespace/setting at or before point,
// preferring the most specific (latest) matching cycle point.
func (b *BroadcastStore) Get(point cyclepoint.Point, namespace, setting string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		best    string
		found   bool
		bestPt  cyclepoint.Point
	)
	for _, e := range b.entries {
		if e.Namespace != namespace || e.Setting != setting {
			continue
		}
		if e.Point.After(point) {
			continue
		}
		if !found || e.Point.After(bestPt) {
			best, bestPt, found = e.Value, e.Point, true
		}
	}
	return best, found
}

// ExpireOlderThan drops every override strictly before minPoint,
// matching spec.md §4.1 step 10 "expire broadcast overrides older than
// the minimum active cycle point".
func (b *BroadcastStore) ExpireOlderThan(minPoint cyclepoint.Point) (expired int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.Point.Before(minPoint) {
			expired++
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
	return expired
}

// Len reports the number of overrides currently held.
func (b *BroadcastStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
