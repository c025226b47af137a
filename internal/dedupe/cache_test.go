// ABOUTME: Tests for the transaction-id dedupe cache
// ABOUTME: Covers TTL expiry, refresh-on-mark, capacity eviction, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_MarkThenCheck(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("txn-1"))

	cache.Mark("txn-1")
	assert.True(t, cache.Check("txn-1"))
	assert.False(t, cache.Check("txn-2"))
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("txn-1")
	assert.True(t, cache.Check("txn-1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Check("txn-1"))
}

func TestCache_MarkRefreshesTTL(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("txn-1")
	time.Sleep(30 * time.Millisecond)
	cache.Mark("txn-1")
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first mark, but only 30ms after the refresh.
	assert.True(t, cache.Check("txn-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("txn-1")
	cache.Mark("txn-2")
	cache.Mark("txn-3")
	cache.Mark("txn-4")

	assert.False(t, cache.Check("txn-1"), "oldest entry evicted")
	assert.True(t, cache.Check("txn-2"))
	assert.True(t, cache.Check("txn-3"))
	assert.True(t, cache.Check("txn-4"))

	// Re-marking moves an entry to the back of the eviction order.
	cache.Mark("txn-2")
	cache.Mark("txn-5")
	assert.False(t, cache.Check("txn-3"))
	assert.True(t, cache.Check("txn-2"))
}

func TestCache_SweepRemovesExpiredEntries(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("txn-1")
	cache.Mark("txn-2")
	time.Sleep(20 * time.Millisecond)

	cache.sweep()

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.seen)
	assert.Zero(t, cache.order.Len())
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("txn-%d-%d", n, j)
				cache.Mark(key)
				cache.Check(key)
			}
		}(i)
	}
	wg.Wait()

	cache.Mark("txn-final")
	assert.True(t, cache.Check("txn-final"))
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Mark("txn-1")
	assert.True(t, cache.Check("txn-1"))

	cache.Close()
	cache.Close()
}
