package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionsAddRemove(t *testing.T) {
	s := NewSubscriptions()

	assert.True(t, s.Add("thread:T1"))
	assert.False(t, s.Add("thread:T1"), "second add is a no-op")
	assert.True(t, s.Contains("thread:T1"))
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Remove("thread:T1"))
	assert.False(t, s.Remove("thread:T1"))
	assert.Zero(t, s.Len())
}

func TestSubscriptionsSnapshotIsACopy(t *testing.T) {
	s := NewSubscriptions()
	s.Add("dashboard:D1")
	s.Add("collection:C1")

	snap := s.Snapshot()
	s.Remove("dashboard:D1")
	s.Add("thread:T9")

	assert.Equal(t, []string{"collection:C1", "dashboard:D1"}, snap)
	assert.Equal(t, []string{"collection:C1", "thread:T9"}, s.Snapshot())
}

func TestSubscriptionsConcurrentAccess(t *testing.T) {
	s := NewSubscriptions()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("thread:%d", i)
			s.Add(key)
			s.Remove(key)
			s.Add(key)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, s.Len())
}
