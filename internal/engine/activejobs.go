package engine

import "github.com/flowmesh/schedd/internal/pool"

// poolActiveCounter adapts the task pool to shutdown.ActiveJobCounter,
// counting instances with a live job (preparing/submitted/running).
type poolActiveCounter struct {
	pool *pool.Pool
}

// ActiveCount implements shutdown.ActiveJobCounter.
func (c poolActiveCounter) ActiveCount() int {
	n := 0
	for _, s := range c.pool.Snapshot() {
		if s.Status.Active() {
			n++
		}
	}
	return n
}
