package cache

import (
	"testing"
	"time"
)

func TestInMemory_SetAndGet(t *testing.T) {
	c := New[string](5 * time.Minute)
	defer c.Close()

	c.Set("2024-01-15", "report")
	val, ok := c.Get("2024-01-15")
	if !ok || val != "report" {
		t.Fatalf("expected cached value, got %q ok=%v", val, ok)
	}

	if _, ok := c.Get("2024-01-16"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestInMemory_ExpiryUsesClock(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Close()
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", 1)
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to be expired")
	}

	c.evict()
	c.mu.RLock()
	n := len(c.items)
	c.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected evicted entry, %d left", n)
	}
}

func TestInMemory_DeleteAndClose(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("k", "v")
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected key to be deleted")
	}
	c.Close()
	c.Close()
}
