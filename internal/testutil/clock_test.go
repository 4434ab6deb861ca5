package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_Advances(t *testing.T) {
	c := NewStepClock(time.Second)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Now())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())
}

func TestStepClock_Frozen(t *testing.T) {
	c := NewStepClock(0)
	assert.Equal(t, c.Now(), c.Now())
}

func TestStepClock_ThreadSafe(t *testing.T) {
	c := NewStepClock(time.Millisecond)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := c.Now()
			mu.Lock()
			seen[now] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
