package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock()

	got := clock.Advance(90 * time.Second)

	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, clock.Now())
}

func TestManualClock_NeverGoesBackwards(t *testing.T) {
	clock := NewManualClock()
	clock.Advance(time.Minute)

	clock.Advance(-time.Hour)
	clock.Set(Epoch)

	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestManualClock_SetForward(t *testing.T) {
	clock := NewManualClock()
	target := Epoch.Add(24 * time.Hour)

	clock.Set(target)

	assert.Equal(t, target, clock.Now())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(50*time.Second), clock.Now())
}
