// ABOUTME: Tests for the inbound message dedupe cache
// ABOUTME: Covers TTL expiry, eviction order, Forget, Sweep and concurrent CheckAndMark

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *manualClock) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(ttl, size, WithClock(clock.Now), WithoutJanitor()), clock
}

func TestKey(t *testing.T) {
	assert.Equal(t, "tenant-a|wamid.1", Key("tenant-a", "wamid.1"))
	assert.NotEqual(t, Key("tenant-a", "m1"), Key("tenant-b", "m1"))
}

func TestCheckAndMark_DuplicateWithinTTL(t *testing.T) {
	c, clock := newTestCache(5*time.Minute, 10)

	assert.False(t, c.CheckAndMark("k"))
	assert.True(t, c.CheckAndMark("k"))
	assert.True(t, c.Seen("k"))

	clock.Advance(5 * time.Minute)
	assert.False(t, c.Seen("k"))
	assert.False(t, c.CheckAndMark("k"), "expired key is new again")
	assert.True(t, c.CheckAndMark("k"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	require.False(t, c.CheckAndMark("k"))
	c.Forget("k")
	c.Forget("never-marked")

	assert.False(t, c.Seen("k"))
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.CheckAndMark("k"))
}

func TestEviction_OldestFirst(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		c.CheckAndMark(k)
		clock.Advance(time.Second)
	}
	// Re-marking a key moves it to the back.
	clock.Advance(time.Hour)
	c.CheckAndMark("a")
	c.CheckAndMark("d")

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Seen("a"))
	assert.True(t, c.Seen("d"))
	_, bPresent := c.seen["b"]
	assert.False(t, bPresent, "b was the oldest")
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("old-1")
	c.CheckAndMark("old-2")
	clock.Advance(45 * time.Second)
	c.CheckAndMark("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
	assert.Equal(t, 0, c.Sweep())
}

func TestCheckAndMark_ConcurrentCallersSeeOneNew(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}

func TestConcurrentDistinctKeysRespectCapacity(t *testing.T) {
	c := New(time.Minute, 64)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.CheckAndMark(fmt.Sprintf("w%d-%d", worker, j))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 64, c.Len())
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()

	quiet := New(time.Minute, 10, WithoutJanitor())
	quiet.Close()
}

func TestNew_NonPositiveSize(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	c.CheckAndMark("a")
	c.CheckAndMark("b")
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("b"))
}
