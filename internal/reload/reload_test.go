package reload_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/reload"
)

func TestWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := reload.New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.yaml"), []byte("x: 1"), 0644))

	select {
	case <-w.Signal():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload signal after writing into the watched directory")
	}
}

func TestWatcherCoalescesPendingSignal(t *testing.T) {
	dir := t.TempDir()
	w, err := reload.New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("y"), 0644))

	select {
	case <-w.Signal():
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one coalesced reload signal")
	}
}
