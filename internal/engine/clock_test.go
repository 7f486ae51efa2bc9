package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtZero(t *testing.T) {
	assert.Equal(t, int64(0), NewClock().Current())
	assert.Equal(t, int64(41), NewClockAt(41).Current())
}

func TestClock_NextIsStrictlyIncreasing(t *testing.T) {
	c := NewClockAt(10)

	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(12), c.Next())
	assert.Equal(t, int64(12), c.Current(), "Current must not advance the clock")
	assert.Equal(t, int64(12), c.Current())
}

func TestClock_ConcurrentStampsAreDistinct(t *testing.T) {
	c := NewClock()
	const workers = 50
	const perWorker = 200

	var wg sync.WaitGroup
	stamps := make(chan int64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				stamps <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(stamps)

	seen := make(map[int64]struct{}, workers*perWorker)
	for s := range stamps {
		_, dup := seen[s]
		assert.False(t, dup, "stamp %d issued twice", s)
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), c.Current())
}
