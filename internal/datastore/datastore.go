// Package datastore accumulates per-tick deltas of workflow state and
// publishes them to subscribers via a queue drained by the RPC layer
// (spec.md §4.9).
package datastore

import (
	"sync"
	"time"

	"github.com/flowmesh/schedd/internal/pool"
	"github.com/flowmesh/schedd/internal/queue"
)

// Delta is one tick's worth of changed entities: tasks with their
// dirty flag set, workflow-level flags, and a reload marker.
type Delta struct {
	Tick       int64
	Tasks      []pool.Snapshot
	Paused     *bool
	Reloaded   bool
	PublishedAt time.Time
}

// Store accumulates deltas and exposes a publication queue the RPC
// layer drains (spec.md §4.9 "update_data_structure").
type Store struct {
	mu           sync.Mutex
	tick         int64
	publishQueue *queue.FIFO[Delta]
	publishPending bool
}

// New creates an empty data store.
func New() *Store {
	return &Store{publishQueue: queue.New[Delta]()}
}

// PublicationQueue exposes the queue subscribers drain.
func (s *Store) PublicationQueue() *queue.FIFO[Delta] { return s.publishQueue }

// MarkPublishPending flags that the next Update call should enqueue a
// delta even if nothing else changed (e.g. after a reload).
func (s *Store) MarkPublishPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishPending = true
}

// Update computes which entities changed since the last call and, if
// any did (or publish was pending), enqueues a delta for publication
// (spec.md §4.1 step 15, §4.9).
func (s *Store) Update(dirty []pool.Snapshot, paused *bool, reloaded bool) (published bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	changed := len(dirty) > 0 || paused != nil || reloaded || s.publishPending
	if !changed {
		return false
	}

	delta := Delta{
		Tick:        s.tick,
		Tasks:       dirty,
		Paused:      paused,
		Reloaded:    reloaded,
		PublishedAt: time.Now(),
	}
	_ = s.publishQueue.Push(delta)
	s.publishPending = false
	return true
}

// Tick returns the current tick counter.
func (s *Store) Tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}
