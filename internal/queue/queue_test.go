package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/queue"
)

func TestFIFOPreservesOrder(t *testing.T) {
	q := queue.New[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}

	got := q.DrainAll()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
	require.Equal(t, 0, q.Len())
}

func TestFIFOPopBlocksUntilPush(t *testing.T) {
	q := queue.New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_ = q.Push("hello")
	}()

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
	wg.Wait()
}

func TestFIFOPopRespectsContextCancellation(t *testing.T) {
	q := queue.New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFIFOCloseRejectsFurtherOps(t *testing.T) {
	q := queue.New[int]()
	require.NoError(t, q.Close())

	err := q.Push(1)
	require.ErrorIs(t, err, queue.ErrClosed)

	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestCommandQueueOrdering(t *testing.T) {
	q := queue.NewCommandQueue()
	require.NoError(t, q.Push(queue.Command{Name: "pause"}))
	require.NoError(t, q.Push(queue.Command{Name: "resume"}))

	cmds := q.DrainAll()
	require.Len(t, cmds, 2)
	require.Equal(t, "pause", cmds[0].Name)
	require.Equal(t, "resume", cmds[1].Name)
}
