package pool

import "github.com/flowmesh/schedd/internal/cyclepoint"

// Identity is the (cycle_point, name) pair that uniquely names a task
// instance (spec.md §3).
type Identity struct {
	Point cyclepoint.Point
	Name  string
}

// key is a comparable map key derived from Identity (cyclepoint.Point
// itself is not comparable with == across calendars reliably, so the
// pool indexes by the rendered string form).
type key string

func (id Identity) key() key {
	return key(id.Point.String() + "/" + id.Name)
}

func (id Identity) String() string {
	return string(id.key())
}
