package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSnapshot(t *testing.T) {
	s := NewStore()

	s.Append([]byte(`{"message":"m1"}`))
	s.Append([]byte(`{"message":"m2"}`))
	s.Append([]byte(`not json at all`))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, `{"message":"m1"}`, string(snap[0]))
	assert.Equal(t, `{"message":"m2"}`, string(snap[1]))
	assert.Equal(t, `not json at all`, string(snap[2]))
	assert.Equal(t, 3, s.Len())
}

func TestSnapshotEmpty(t *testing.T) {
	s := NewStore()

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestAppendCopiesPayload(t *testing.T) {
	s := NewStore()
	buf := []byte("original")

	s.Append(buf)
	copy(buf, "mutated!")

	assert.Equal(t, "original", string(s.Snapshot()[0]))
}

func TestClear(t *testing.T) {
	s := NewStore()
	s.Append([]byte("m1"))
	s.Append([]byte("m2"))

	assert.Equal(t, 2, s.Clear())
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 0, s.Len())
}

func TestClearTwiceIsSameAsOnce(t *testing.T) {
	s := NewStore()
	s.Append([]byte("m1"))

	s.Clear()
	assert.Equal(t, 0, s.Clear())
	assert.Empty(t, s.Snapshot())
}

func TestAppendAfterClear(t *testing.T) {
	s := NewStore()
	s.Append([]byte("m1"))
	s.Clear()
	s.Append([]byte("m3"))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "m3", string(snap[0]))
}

func TestSnapshotIsPointInTime(t *testing.T) {
	s := NewStore()
	s.Append([]byte("m1"))
	s.Append([]byte("m2"))

	snap := s.Snapshot()
	s.Clear()
	s.Append([]byte("m3"))

	require.Len(t, snap, 2)
	assert.Equal(t, "m1", string(snap[0]))
	assert.Equal(t, "m2", string(snap[1]))
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	goroutines := 50
	perGoroutine := 40

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				s.Append([]byte(fmt.Sprintf("g%d-m%d", id, m)))
				// Interleave reads to stress the RWMutex.
				_ = s.Snapshot()
			}
		}(g)
	}

	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, s.Len())

	// Each goroutine's own payloads must appear in the order it appended them.
	next := make(map[int]int)
	for _, item := range s.Snapshot() {
		var id, m int
		_, err := fmt.Sscanf(string(item), "g%d-m%d", &id, &m)
		require.NoError(t, err)
		assert.Equal(t, next[id], m, "goroutine %d out of order", id)
		next[id] = m + 1
	}
}
