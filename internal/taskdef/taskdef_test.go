package taskdef_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/taskdef"
)

func TestElapsedHistoryMean(t *testing.T) {
	h := taskdef.NewElapsedHistory(3)
	h.Record(10 * time.Second)
	h.Record(20 * time.Second)

	require.Equal(t, 15*time.Second, h.Mean())
}

func TestElapsedHistoryEvictsOldest(t *testing.T) {
	h := taskdef.NewElapsedHistory(2)
	h.Record(10 * time.Second)
	h.Record(20 * time.Second)
	h.Record(30 * time.Second) // evicts the 10s sample

	require.Equal(t, 25*time.Second, h.Mean())
}

func TestElapsedHistoryMeanOfEmptyIsZero(t *testing.T) {
	h := taskdef.NewElapsedHistory(5)
	require.Equal(t, time.Duration(0), h.Mean())
}
