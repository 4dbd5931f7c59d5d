package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := Open("redis://"+mr.Addr(), "jiva-ai:")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetSetPrefix(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(missing) err = %v, want ErrMiss", err)
	}

	if err := c.Set(ctx, "greeting", "hello", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !mr.Exists("jiva-ai:greeting") {
		t.Error("expected key to be stored under prefix")
	}
	got, err := c.Get(ctx, "greeting")
	if err != nil || got != "hello" {
		t.Errorf("Get() = %q, %v; want hello", got, err)
	}
}

func TestIncrExpireTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "hits:1.2.3.4")
		if err != nil {
			t.Fatalf("Incr() error = %v", err)
		}
		if n != want {
			t.Errorf("Incr() = %d, want %d", n, want)
		}
	}

	ttl, err := c.TTL(ctx, "hits:1.2.3.4")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != NoExpiry {
		t.Errorf("TTL() without expire = %v, want NoExpiry", ttl)
	}

	if err := c.Expire(ctx, "hits:1.2.3.4", 60*time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	ttl, _ = c.TTL(ctx, "hits:1.2.3.4")
	if ttl <= 59*time.Second || ttl > 60*time.Second {
		t.Errorf("TTL() = %v, want ~60s", ttl)
	}

	mr.FastForward(61 * time.Second)
	ttl, err = c.TTL(ctx, "hits:1.2.3.4")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != 0 {
		t.Errorf("TTL() after expiry = %v, want 0", ttl)
	}
}

func TestDel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "a", "1", 0)
	_ = c.Set(ctx, "b", "2", 0)
	if err := c.Del(ctx, "a", "b"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, err := c.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get(a) after Del err = %v", err)
	}
	if err := c.Del(ctx); err != nil {
		t.Errorf("Del() with no keys error = %v", err)
	}
}

func TestJSONHelpers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type profile struct {
		ClientID string `json:"clientId"`
		Name     string `json:"name"`
	}

	in := profile{ClientID: "inventory-app", Name: "Inventory"}
	if err := SetJSON(ctx, c, "app:profile:inventory-app", in, time.Hour); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}
	if ttl := mr.TTL("jiva-ai:app:profile:inventory-app"); ttl != time.Hour {
		t.Errorf("stored TTL = %v, want 1h", ttl)
	}

	var out profile
	if err := GetJSON(ctx, c, "app:profile:inventory-app", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out != in {
		t.Errorf("GetJSON() = %+v, want %+v", out, in)
	}

	_ = c.Set(ctx, "bad", "{not json", 0)
	if err := GetJSON(ctx, c, "bad", &out); err == nil || errors.Is(err, ErrMiss) {
		t.Errorf("GetJSON(bad) err = %v, want decode error", err)
	}
}

func TestPingAndClosedClient(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	mr.Close()
	if _, err := c.Incr(ctx, "x"); err == nil {
		t.Error("Incr() against stopped server should fail")
	}
}

func TestNewClientBadURL(t *testing.T) {
	if _, err := NewClient("not-a-url"); err == nil {
		t.Error("NewClient() expected error for invalid url")
	}
}
