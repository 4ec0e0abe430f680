package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "snapshot:all", []byte(`{"summaries":[]}`), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.c.Wait()

	val, ok, err := c.Get(ctx, "snapshot:all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(val) != `{"summaries":[]}` {
		t.Fatalf("unexpected value %s", val)
	}
}

func TestCacheMiss(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	_, ok, err := c.Get(context.Background(), "never-set")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.c.Wait()
	time.Sleep(100 * time.Millisecond)

	_, ok, err := c.Get(ctx, "short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected entry to expire")
	}
}

func TestCacheDelete(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	c.c.Wait()
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected miss after delete")
	}
}
