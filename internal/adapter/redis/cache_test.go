package redis

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "missing"); ok {
		t.Error("Get() on empty cache = hit, want miss")
	}

	cache.Set(ctx, "k", []byte("v1"), time.Hour)
	val, ok := cache.Get(ctx, "k")
	if !ok {
		t.Fatal("Get() = miss, want hit")
	}
	if string(val) != "v1" {
		t.Errorf("Get() = %q, want %q", val, "v1")
	}

	// Last writer wins, no versioning.
	cache.Set(ctx, "k", []byte("v2"), time.Hour)
	val, _ = cache.Get(ctx, "k")
	if string(val) != "v2" {
		t.Errorf("Get() after overwrite = %q, want %q", val, "v2")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set(ctx, "k", []byte("v"), 24*time.Hour)

	now = now.Add(24*time.Hour - time.Second)
	if _, ok := cache.Get(ctx, "k"); !ok {
		t.Error("Get() just before expiry = miss, want hit")
	}

	now = now.Add(2 * time.Second)
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Get() past expiry = hit, want miss")
	}
}
