package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetGet(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok, _ := cache.Get(ctx, "feed:page:1"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := cache.Set(ctx, "feed:page:1", "payload", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := cache.Get(ctx, "feed:page:1")
	if err != nil || !ok || val != "payload" {
		t.Fatalf("get = %q, %v, %v", val, ok, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	cache.Set(ctx, "k", "v", time.Second*30)
	now = now.Add(time.Second * 31)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	// expired slot must be reclaimable by SetNX
	ok, err := cache.SetNX(ctx, "k", "v2", time.Second*30)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v", ok, err)
	}
}

func TestMemoryCacheSetNX(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "lock", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = cache.SetNX(ctx, "lock", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v", ok, err)
	}
	val, _, _ := cache.Get(ctx, "lock")
	if val != "a" {
		t.Fatalf("value overwritten by losing SetNX: %q", val)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	cache.Set(ctx, "a", "1", 0)
	cache.Set(ctx, "b", "2", 0)
	if err := cache.Del(ctx, "a", "b"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatal("a survived delete")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewCache(client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("NewCache with client = %T, want *RedisCache", cache)
	}
	ctx := context.Background()

	if err := cache.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("get = %q, %v, %v", val, ok, err)
	}
	if _, ok, _ := cache.Get(ctx, "missing"); ok {
		t.Fatal("expected miss")
	}

	won, err := cache.SetNX(ctx, "nx", "first", time.Minute)
	if err != nil || !won {
		t.Fatalf("SetNX = %v, %v", won, err)
	}
	won, _ = cache.SetNX(ctx, "nx", "second", time.Minute)
	if won {
		t.Fatal("second SetNX should lose")
	}

	if err := cache.Del(ctx, "k", "nx"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatal("k survived delete")
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	cache := NewCache(nil)
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("NewCache(nil) = %T, want *MemoryCache", cache)
	}
}
