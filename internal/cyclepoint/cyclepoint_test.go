package cyclepoint_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/cyclepoint"
)

func TestParseIntAndCompare(t *testing.T) {
	a, err := cyclepoint.ParseInt("1")
	require.NoError(t, err)
	b, err := cyclepoint.ParseInt("2")
	require.NoError(t, err)

	require.True(t, a.Before(b))
	require.True(t, b.After(a))
	require.False(t, a.Equal(b))
}

func TestParseIntRejectsGarbage(t *testing.T) {
	_, err := cyclepoint.ParseInt("not-a-number")
	require.Error(t, err)
}

func TestParseISORejectsLegacyFormat(t *testing.T) {
	_, err := cyclepoint.ParseISO("2026/07/31-00:00")
	require.Error(t, err, "legacy slash format must be rejected per spec.md §9")
}

func TestParseISOAcceptsBasicFormat(t *testing.T) {
	p, err := cyclepoint.ParseISO("20260731T000000Z")
	require.NoError(t, err)
	require.False(t, p.Zero())
}

func TestIntSequenceNext(t *testing.T) {
	start, err := cyclepoint.ParseInt("1")
	require.NoError(t, err)
	seq, err := cyclepoint.NewIntSequence(start, 1)
	require.NoError(t, err)

	n := seq.Next(start)
	require.Equal(t, "2", n.String())
}
