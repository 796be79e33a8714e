package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
)

func TestLRUCache(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()

	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}

		val, err := c.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		val, err := c.Get(ctx, "nope")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for missing key, got %v", val)
		}
	})

	t.Run("Expiration", func(t *testing.T) {
		c.Set(ctx, "expiring", []byte("soon"), 20*time.Millisecond)
		time.Sleep(40 * time.Millisecond)

		val, _ := c.Get(ctx, "expiring")
		if val != nil {
			t.Errorf("expected expired key to be absent, got %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c.Set(ctx, "doomed", []byte("x"), time.Minute)
		c.Delete(ctx, "doomed")

		val, _ := c.Get(ctx, "doomed")
		if val != nil {
			t.Error("expected deleted key to be absent")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		c.Set(ctx, "dup", []byte("old"), time.Minute)
		c.Set(ctx, "dup", []byte("new"), time.Minute)

		val, _ := c.Get(ctx, "dup")
		if string(val) != "new" {
			t.Errorf("expected 'new', got '%s'", string(val))
		}
	})
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(2)
	defer c.Close()

	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	c.Get(ctx, "a") // a becomes most recently used
	c.Set(ctx, "c", []byte("3"), time.Minute)

	if val, _ := c.Get(ctx, "b"); val != nil {
		t.Error("expected least-recently-used key 'b' to be evicted")
	}
	if val, _ := c.Get(ctx, "a"); val == nil {
		t.Error("expected 'a' to survive eviction")
	}

	size, capacity := c.Stats()
	if size != 2 || capacity != 2 {
		t.Errorf("expected size 2 capacity 2, got %d/%d", size, capacity)
	}
}

func TestLRUCounter(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()

	ctx := context.Background()

	t.Run("IncrementsWithinWindow", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			count, reset, err := c.IncrementCounter(ctx, "rl:client1", time.Minute)
			if err != nil {
				t.Fatalf("increment failed: %v", err)
			}
			if count != want {
				t.Errorf("expected count %d, got %d", want, count)
			}
			if !reset.After(time.Now()) {
				t.Error("expected reset time in the future")
			}
		}
	})

	t.Run("WindowReset", func(t *testing.T) {
		c.IncrementCounter(ctx, "rl:client2", 30*time.Millisecond)
		c.IncrementCounter(ctx, "rl:client2", 30*time.Millisecond)
		time.Sleep(50 * time.Millisecond)

		count, _, err := c.IncrementCounter(ctx, "rl:client2", 30*time.Millisecond)
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected fresh window to start at 1, got %d", count)
		}
	})

	t.Run("ExpiredWindowsSwept", func(t *testing.T) {
		c := NewLRUCache(100)
		defer c.Close()

		for i := 0; i < 10; i++ {
			c.IncrementCounter(ctx, "rl:stale"+string(rune('a'+i)), 10*time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)

		// A steady stream of increments on one hot key must reclaim the
		// expired windows of every other key.
		for i := 0; i < counterSweepEvery+1; i++ {
			c.IncrementCounter(ctx, "rl:hot", time.Minute)
		}

		c.mu.RLock()
		size := len(c.counters)
		c.mu.RUnlock()
		if size != 1 {
			t.Errorf("expected only the live counter to remain, got %d", size)
		}
	})

	t.Run("ConcurrentIncrements", func(t *testing.T) {
		const goroutines = 20
		var wg sync.WaitGroup
		wg.Add(goroutines)

		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				c.IncrementCounter(ctx, "rl:shared", time.Minute)
			}()
		}
		wg.Wait()

		count, _, _ := c.IncrementCounter(ctx, "rl:shared", time.Minute)
		if count != goroutines+1 {
			t.Errorf("expected %d after concurrent increments, got %d", goroutines+1, count)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
