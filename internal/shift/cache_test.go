package shift

import (
	"sync"
	"testing"
	"time"

	"shiftbot/internal/clock"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryCache(time.Minute, clk)
	id := uuid.New()

	_, ok := c.Active(id)
	assert.False(t, ok)

	c.MarkActive(id)
	active, ok := c.Active(id)
	assert.True(t, ok)
	assert.True(t, active)

	clk.Advance(time.Minute)
	_, ok = c.Active(id)
	assert.False(t, ok, "entry past its ttl is a miss")
	assert.Equal(t, 0, c.Len())

	c.MarkActive(id)
	c.Evict(id)
	_, ok = c.Active(id)
	assert.False(t, ok)
}

func TestKeyedMutex(t *testing.T) {
	var (
		k       keyedMutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 20; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()

			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Empty(t, k.locks, "released keys are dropped")
}
