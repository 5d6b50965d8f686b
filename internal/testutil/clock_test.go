package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestManualClock_Frozen(t *testing.T) {
	c := NewManualClock(epoch)
	assert.Equal(t, epoch, c.Now())
	assert.Equal(t, epoch, c.Now(), "time must not move on its own")
}

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock(epoch)

	c.Advance(time.Second)
	assert.Equal(t, epoch.Add(time.Second), c.Now())

	c.Advance(-2 * time.Second)
	assert.Equal(t, epoch.Add(-time.Second), c.Now(), "negative advance rolls back")
}

func TestManualClock_Set(t *testing.T) {
	c := NewManualClock(epoch)
	later := epoch.Add(time.Hour)

	c.Set(later)
	assert.Equal(t, later, c.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(epoch)
	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(goroutines*time.Millisecond), c.Now())
}
