// Package cyclepoint implements the two cycling calendars a workflow can
// run under: plain integer cycling and ISO-8601 datetime cycling.
package cyclepoint

import (
	"fmt"
	"strconv"
	"time"

	schederrors "github.com/flowmesh/schedd/pkg/errors"
)

// Point is a position in a workflow's cycling calendar. It is either an
// integer (cycling mode "integer") or a UTC instant (cycling mode
// "iso8601"). The zero value is not a valid Point; use ParseInt or
// ParseISO.
type Point struct {
	raw     string
	isInt   bool
	intVal  int64
	timeVal time.Time
}

// Zero reports whether p is the uninitialised zero value.
func (p Point) Zero() bool {
	return p.raw == ""
}

// String returns the canonical textual form of the point.
func (p Point) String() string {
	return p.raw
}

// ParseInt builds an integer-cycling Point.
func ParseInt(raw string) (Point, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Point{}, &schederrors.CyclingError{Point: raw, Reason: "not a valid integer cycle point"}
	}
	return Point{raw: raw, isInt: true, intVal: v}, nil
}

// ParseISO builds an ISO-8601 cycling Point. Only ISO-8601 is accepted;
// the legacy "YYYY/MM/DD-HH:mm" format is not (spec.md §9 Open Questions).
func ParseISO(raw string) (Point, error) {
	t, err := time.Parse("20060102T150405Z", raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil {
		return Point{}, &schederrors.CyclingError{Point: raw, Reason: "not a valid ISO-8601 cycle point"}
	}
	return Point{raw: raw, timeVal: t.UTC()}, nil
}

// Compare returns -1, 0, or 1 as p is before, equal to, or after other.
// Comparing points from different calendars panics: the calendar is
// fixed per-workflow and callers must not mix them.
func (p Point) Compare(other Point) int {
	if p.isInt != other.isInt {
		panic("cyclepoint: cannot compare integer and ISO-8601 points")
	}
	if p.isInt {
		switch {
		case p.intVal < other.intVal:
			return -1
		case p.intVal > other.intVal:
			return 1
		default:
			return 0
		}
	}
	switch {
	case p.timeVal.Before(other.timeVal):
		return -1
	case p.timeVal.After(other.timeVal):
		return 1
	default:
		return 0
	}
}

// Before reports whether p sorts before other.
func (p Point) Before(other Point) bool { return p.Compare(other) < 0 }

// After reports whether p sorts after other.
func (p Point) After(other Point) bool { return p.Compare(other) > 0 }

// Equal reports whether p and other denote the same point.
func (p Point) Equal(other Point) bool { return p.Compare(other) == 0 }

// Sequence generates a recurrence of Points from a start point at a
// fixed interval, used to expand graph-recurring tasks.
type Sequence struct {
	isInt    bool
	intStep  int64
	duration time.Duration
	start    Point
}

// NewIntSequence builds a sequence over integer cycling with a fixed step.
func NewIntSequence(start Point, step int64) (Sequence, error) {
	if !start.isInt {
		return Sequence{}, fmt.Errorf("cyclepoint: start point is not integer-cycling")
	}
	if step <= 0 {
		return Sequence{}, &schederrors.CyclingError{Point: strconv.FormatInt(step, 10), Reason: "sequence step must be positive"}
	}
	return Sequence{isInt: true, intStep: step, start: start}, nil
}

// NewISOSequence builds a sequence over ISO-8601 cycling with a fixed duration step.
func NewISOSequence(start Point, step time.Duration) (Sequence, error) {
	if start.isInt {
		return Sequence{}, fmt.Errorf("cyclepoint: start point is not ISO-8601 cycling")
	}
	if step <= 0 {
		return Sequence{}, &schederrors.CyclingError{Point: step.String(), Reason: "sequence step must be positive"}
	}
	return Sequence{duration: step, start: start}, nil
}

// First returns the first point of the sequence.
func (s Sequence) First() Point {
	return s.start
}

// Next returns the first point of the sequence strictly after p.
func (s Sequence) Next(p Point) Point {
	if s.isInt {
		n := p.intVal + s.intStep - ((p.intVal - s.start.intVal) % s.intStep)
		return Point{raw: strconv.FormatInt(n, 10), isInt: true, intVal: n}
	}
	t := p.timeVal.Add(s.duration)
	return Point{raw: t.Format(time.RFC3339), timeVal: t}
}
