package cache

import (
	"context"
	"testing"
	"time"
)

func newMemCache(t *testing.T) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background())
	t.Cleanup(c.Close)
	return c
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Errorf("Get = (%q, %v)", got, ok)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("miss must report ok=false")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expired entry must not be served")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry must be evicted on access, len=%d", c.Len())
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("deleted key still present")
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("deleting a missing key should be a no-op, got %v", err)
	}
}

func TestMemoryCache_Overwrite(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("old"), time.Minute)
	_ = c.Set(ctx, "k", []byte("new"), time.Minute)

	got, _ := c.Get(ctx, "k")
	if string(got) != "new" {
		t.Errorf("Get = %q after overwrite", got)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestMemoryCache_ZeroTTLDefaults(t *testing.T) {
	c := newMemCache(t)
	ctx := context.Background()

	// Zero ttl gets the 5-minute default rather than instant expiry.
	_ = c.Set(ctx, "k", []byte("v"), 0)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Error("zero-ttl entry should still be cached")
	}
}
