package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/fapgate/internal/txn"
)

func branchXID(bqual string) txn.XID {
	return txn.XID{FormatID: 1, GTRID: "g", BQUAL: bqual}
}

func TestLocalQueuesAreDistinct(t *testing.T) {
	m := NewMap(Config{})
	q1, err := m.AddLocal(1)
	require.NoError(t, err)
	q2, err := m.AddLocal(2)
	require.NoError(t, err)
	assert.NotSame(t, q1, q2)

	_, err = m.AddLocal(1)
	assert.Error(t, err)

	got, ok := m.Get(1)
	require.True(t, ok)
	assert.Same(t, q1, got)

	assert.True(t, m.RemoveLocal(1))
	assert.False(t, m.RemoveLocal(1))
	_, ok = m.Get(1)
	assert.False(t, ok)
}

func TestGlobalQueueIsSharedAndRefCounted(t *testing.T) {
	m := NewMap(Config{})
	q1 := m.AddEnlistedGlobal(7, branchXID("b1"))
	q2 := m.AddEnlistedGlobal(7, branchXID("b2"))
	q3 := m.AddEnlistedGlobal(7, branchXID("b2"))
	assert.Same(t, q1, q2)
	assert.Same(t, q1, q3)
	assert.Equal(t, 2, m.Branches(7))

	assert.True(t, m.RemoveGlobal(7, branchXID("b1")))
	_, ok := m.Get(7)
	assert.True(t, ok, "queue kept while a branch remains")

	assert.False(t, m.RemoveGlobal(7, branchXID("b1")))
	assert.True(t, m.RemoveGlobal(7, branchXID("b2")))
	_, ok = m.Get(7)
	assert.False(t, ok)

	q4 := m.AddEnlistedGlobal(7, branchXID("b3"))
	assert.NotSame(t, q1, q4)
}

func TestLocalIDCannotShadowGlobal(t *testing.T) {
	m := NewMap(Config{})
	m.AddEnlistedGlobal(3, branchXID("b1"))
	_, err := m.AddLocal(3)
	assert.Error(t, err)
}

func TestRemoveAllForTransaction(t *testing.T) {
	m := NewMap(Config{})
	_, err := m.AddLocal(1)
	require.NoError(t, err)
	m.AddEnlistedGlobal(2, branchXID("b1"))
	m.AddEnlistedGlobal(2, branchXID("b2"))

	m.RemoveAllForTransaction(1)
	m.RemoveAllForTransaction(2)
	m.RemoveAllForTransaction(99)
	assert.Equal(t, 0, m.Len())
}

func TestRetiredLocalQueueIsInheritedByNextTransaction(t *testing.T) {
	m := NewMap(Config{})
	q, err := m.AddLocal(5)
	require.NoError(t, err)

	release := make(chan struct{})
	var got *Queue
	done := make(chan struct{})
	require.True(t, m.Submit(5, func() {
		<-release
		assert.True(t, m.RemoveLocal(5))
		m.Release(5)
	}))
	require.True(t, m.Submit(5, func() {
		defer m.Release(5)
		got, err = m.AddLocal(5)
	}))
	require.True(t, m.Submit(5, func() {
		defer close(done)
		defer m.Release(5)
		assert.True(t, m.RemoveLocal(5))
	}))
	close(release)
	<-done
	require.NoError(t, err)
	assert.Same(t, q, got)
	require.NoError(t, q.Wait(context.Background()))
	_, ok := m.Get(5)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
	assert.False(t, m.Submit(5, func() {}))
}

func TestRetiredGlobalQueueHandsOverToLocal(t *testing.T) {
	m := NewMap(Config{})
	q := m.AddEnlistedGlobal(7, branchXID("b1"))
	release := make(chan struct{})
	require.True(t, m.Submit(7, func() { <-release }))
	require.True(t, m.Submit(7, func() {}))

	assert.True(t, m.RemoveGlobal(7, branchXID("b1")))
	got, ok := m.Get(7)
	require.True(t, ok, "queue with pending work stays registered")
	assert.Same(t, q, got)

	local, err := m.AddLocal(7)
	require.NoError(t, err)
	assert.Same(t, q, local)
	assert.Zero(t, m.Branches(7))
	close(release)
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, 1, m.Len())
}

func TestQueueRunsTasksInSubmissionOrder(t *testing.T) {
	q := newQueue()
	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		q.Submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
	require.Len(t, got, n)
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestQueueRunsOneTaskAtATime(t *testing.T) {
	q := newQueue()
	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	for i := 0; i < 50; i++ {
		q.Submit(func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
	assert.Equal(t, 1, peak)
	assert.Zero(t, q.Pending())
}

func TestQueueWaitHonoursContext(t *testing.T) {
	q := newQueue()
	release := make(chan struct{})
	q.Submit(func() { <-release })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, q.Wait(context.Background()))
}
