package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/support-agent/internal/model"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	r := New()

	assert.True(t, r.TryAcquire("k1"))
	assert.False(t, r.TryAcquire("k1"))
	assert.True(t, r.TryAcquire("k2"))
	assert.Equal(t, 2, r.Active())
}

func TestReleaseAllowsReacquire(t *testing.T) {
	r := New()

	assert.True(t, r.TryAcquire("k1"))
	r.Release("k1")
	assert.True(t, r.TryAcquire("k1"))
	assert.Equal(t, 1, r.Active())
}

func TestReleaseUnknownKeyIsNoop(t *testing.T) {
	r := New()

	r.Release("missing")
	r.Release("missing")
	assert.Equal(t, 0, r.Active())
}

func TestConcurrentAcquireAdmitsOne(t *testing.T) {
	r := New()
	key := model.ConversationKey("contested")

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire(key) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, 1, r.Active())
}
