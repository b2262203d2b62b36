package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "breakeven_alert_sent", t0); err != nil || ok {
		t.Fatalf("empty cache should miss: ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "breakeven_alert_sent", "1", time.Hour, t0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := c.Get(ctx, "breakeven_alert_sent", t0.Add(59*time.Minute))
	if err != nil || !ok || v != "1" {
		t.Fatalf("marker should be live within ttl: v=%q ok=%v err=%v", v, ok, err)
	}

	if _, ok, _ := c.Get(ctx, "breakeven_alert_sent", t0.Add(time.Hour)); ok {
		t.Fatal("marker must expire exactly at ttl")
	}

	if err := c.Set(ctx, "rsi_alert_28", "1", time.Hour, t0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "rsi_alert_28", "", 0, t0); err != nil {
		t.Fatalf("Set with zero ttl: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "rsi_alert_28", t0); ok {
		t.Fatal("zero ttl should delete the marker")
	}
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory())
}

func TestMemoryCachePurge(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	_ = c.Set(ctx, "a", "1", time.Minute, t0)
	_ = c.Set(ctx, "b", "1", time.Hour, t0)

	if removed := c.Purge(t0.Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("expected 1 purged entry, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
}

func setupRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	c, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "", "test:")
	if err != nil {
		mr.Close()
		t.Fatalf("NewRedis: %v", err)
	}
	return c, mr
}

func TestRedisCache(t *testing.T) {
	c, mr := setupRedis(t)
	defer mr.Close()
	defer c.Close()

	exerciseCache(t, c)
}

func TestRedisCacheUsesPrefixAndTTL(t *testing.T) {
	c, mr := setupRedis(t)
	defer mr.Close()
	defer c.Close()

	if err := c.Set(context.Background(), "periodic_price_update", "1", 30*time.Minute, t0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("test:periodic_price_update") {
		t.Fatal("key should be stored under the prefix")
	}
	if ttl := mr.TTL("test:periodic_price_update"); ttl != 30*time.Minute {
		t.Fatalf("expected redis ttl 30m, got %s", ttl)
	}

	mr.FastForward(31 * time.Minute)
	if mr.Exists("test:periodic_price_update") {
		t.Fatal("redis should garbage-collect the key after ttl")
	}
}

func TestRedisCachePing(t *testing.T) {
	c, mr := setupRedis(t)
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("Ping should fail once redis is gone")
	}
}

func TestNewRedisBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "://bad", "", ""); err == nil {
		t.Fatal("expected parse error")
	}
}
