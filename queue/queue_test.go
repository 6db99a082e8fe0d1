package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanedb/lane/wire"
)

func TestPriorityPrecedence(t *testing.T) {
	var q = New(0)

	var low = wire.NewRequest("select", nil, wire.Low, time.Minute)
	var normal = wire.NewRequest("select", nil, wire.Normal, time.Minute)
	var urgent = wire.NewRequest("insert", nil, wire.Urgent, time.Minute)
	var high = wire.NewRequest("update", nil, wire.High, time.Minute)

	for _, r := range []*wire.Request{low, normal, urgent, high} {
		require.NoError(t, q.Enqueue(r))
	}

	var order []wire.Priority
	for {
		var qr, ok = q.Dequeue()
		if !ok {
			break
		}
		order = append(order, qr.Priority)
	}
	assert.Equal(t, []wire.Priority{wire.Urgent, wire.High, wire.Normal, wire.Low}, order)
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	var q = New(0)

	var reqs []*wire.Request
	for i := 0; i != 50; i++ {
		var r = wire.NewRequest("select", nil, wire.Normal, time.Minute)
		reqs = append(reqs, r)
		require.NoError(t, q.Enqueue(r))
	}

	for i := 0; i != 50; i++ {
		var qr, ok = q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, reqs[i].ID, qr.ID, "position %d", i)
	}
}

func TestUrgentDispatchesBeforeEarlierNormals(t *testing.T) {
	var q = New(0)

	for i := 0; i != 100; i++ {
		require.NoError(t, q.Enqueue(wire.NewRequest("select", nil, wire.Normal, time.Minute)))
	}
	var urgent = wire.NewRequest("insert", nil, wire.Urgent, time.Minute)
	require.NoError(t, q.Enqueue(urgent))

	var qr, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, urgent.ID, qr.ID)
	assert.Equal(t, "insert", qr.Method)
}

func TestEnqueueFailsFastWhenFull(t *testing.T) {
	var q = New(2)

	require.NoError(t, q.Enqueue(wire.NewRequest("a", nil, wire.Normal, time.Minute)))
	require.NoError(t, q.Enqueue(wire.NewRequest("b", nil, wire.Normal, time.Minute)))
	assert.Equal(t, ErrQueueFull, q.Enqueue(wire.NewRequest("c", nil, wire.Normal, time.Minute)))

	// Draining one makes room again.
	var _, ok = q.Dequeue()
	require.True(t, ok)
	assert.NoError(t, q.Enqueue(wire.NewRequest("c", nil, wire.Normal, time.Minute)))
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	var q = New(0)
	var r = wire.NewRequest("select", nil, wire.Normal, time.Minute)

	require.NoError(t, q.Enqueue(r))
	assert.Error(t, q.Enqueue(r))
}

func TestRemove(t *testing.T) {
	var q = New(0)

	var keep = wire.NewRequest("select", nil, wire.Normal, time.Minute)
	var drop = wire.NewRequest("select", nil, wire.High, time.Minute)
	require.NoError(t, q.Enqueue(keep))
	require.NoError(t, q.Enqueue(drop))

	assert.True(t, q.Remove(drop.ID))
	assert.False(t, q.Remove(drop.ID)) // Already removed.

	var qr, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, keep.ID, qr.ID)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestExpireReportsAgedRequests(t *testing.T) {
	var now = time.Now()
	var q = New(0)
	q.timeNow = func() time.Time { return now }

	var fast = wire.NewRequest("select", nil, wire.Normal, 10*time.Millisecond)
	var slow = wire.NewRequest("select", nil, wire.Normal, time.Hour)
	var never = wire.NewRequest("select", nil, wire.Normal, 0) // No timeout.
	require.NoError(t, q.Enqueue(fast))
	require.NoError(t, q.Enqueue(slow))
	require.NoError(t, q.Enqueue(never))

	var expired = q.Expire(now.Add(time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, fast.ID, expired[0].ID)

	assert.Equal(t, 2, q.Stats().Size)
}

func TestStats(t *testing.T) {
	var now = time.Now()
	var q = New(0)
	q.timeNow = func() time.Time { return now }

	require.NoError(t, q.Enqueue(wire.NewRequest("a", nil, wire.Normal, time.Minute)))
	now = now.Add(time.Second)
	require.NoError(t, q.Enqueue(wire.NewRequest("b", nil, wire.Urgent, time.Minute)))
	now = now.Add(time.Second)

	var s = q.Stats()
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 1, s.PerPriority[wire.Normal])
	assert.Equal(t, 1, s.PerPriority[wire.Urgent])
	assert.Equal(t, 2*time.Second, s.OldestAge)
}

func TestConcurrentAccess(t *testing.T) {
	var q = New(10000)
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j != 100; j++ {
				_ = q.Enqueue(wire.NewRequest("select", nil, wire.Normal, time.Minute))
			}
		}()
	}
	var dequeued int
	var mu sync.Mutex
	for i := 0; i != 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j != 100; j++ {
				if _, ok := q.Dequeue(); ok {
					mu.Lock()
					dequeued++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// Every request is either still queued or was dequeued exactly once.
	assert.Equal(t, 800, q.Stats().Size+dequeued)
}
