package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIDClock_StartsAtBase(t *testing.T) {
	clock := NewUIDClock(100)
	assert.Equal(t, uint64(100), clock.Current())
	assert.Equal(t, uint64(101), clock.Next())
}

func TestUIDClock_NextIncrementsMonotonically(t *testing.T) {
	clock := NewUIDClock(0)

	assert.Equal(t, uint64(1), clock.Next())
	assert.Equal(t, uint64(2), clock.Next())
	assert.Equal(t, uint64(3), clock.Next())
	assert.Equal(t, uint64(3), clock.Current())
}

func TestUIDClock_Reset(t *testing.T) {
	clock := NewUIDClock(7)
	clock.Next()
	clock.Next()

	clock.Reset()
	assert.Equal(t, uint64(7), clock.Current())
	assert.Equal(t, uint64(8), clock.Next())
}

func TestUIDClock_ConcurrentNextIsUnique(t *testing.T) {
	clock := NewUIDClock(0)

	const goroutines, perG = 10, 100
	seen := make(chan uint64, goroutines*perG)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				seen <- clock.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for uid := range seen {
		require.False(t, unique[uid], "uid %d handed out twice", uid)
		unique[uid] = true
	}
	assert.Len(t, unique, goroutines*perG)
}
