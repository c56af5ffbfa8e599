package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestPutGet_Fresh(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "t1:e:users:1", []byte("row-data"), 30_000, 120_000, "shard-a", 5)

	res := c.Get(ctx, "t1:e:users:1")
	if res.Status != StatusFresh {
		t.Fatalf("expected fresh, got %s", res.Status)
	}
	if string(res.Entry.Data) != "row-data" {
		t.Fatalf("unexpected data: %s", res.Entry.Data)
	}
	if res.Entry.Version != 5 {
		t.Fatalf("unexpected version: %d", res.Entry.Version)
	}
}

func TestGet_Miss(t *testing.T) {
	c := New()
	res := c.Get(context.Background(), "t1:e:users:999")
	if res.Status != StatusMiss {
		t.Fatalf("expected miss, got %s", res.Status)
	}
}

func TestFreshMsZero_NeverFresh(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("x"), 0, 120_000, "shard-a", 1)

	res := c.Get(ctx, "k")
	if res.Status == StatusFresh {
		t.Fatal("freshMs=0 must never report fresh (spec.md §9 Open Question #1)")
	}
	if res.Status != StatusStale {
		t.Fatalf("expected stale (within SWR window), got %s", res.Status)
	}
}

func TestSWRUntilEqualsNow_IsMiss(t *testing.T) {
	c := New()
	ctx := context.Background()
	// freshMs 0 and swrMs 0 set freshUntil == swrUntil == now at Put time;
	// by the Get, now is no longer before swrUntil => miss.
	c.Put(ctx, "k", []byte("x"), 0, 0, "shard-a", 1)
	res := c.Get(ctx, "k")
	if res.Status != StatusMiss {
		t.Fatalf("expected miss when swrUntil has passed, got %s", res.Status)
	}
}

func TestStaleWindow(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("x"), -10, 120_000, "shard-a", 1)
	res := c.Get(ctx, "k")
	if res.Status != StatusStale {
		t.Fatalf("expected stale, got %s", res.Status)
	}
}

func TestPut_VersionMonotonic(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("v5"), 30_000, 0, "shard-a", 5)
	// Lower version write-through must not regress the stored entry.
	c.Put(ctx, "k", []byte("v3"), 30_000, 0, "shard-a", 3)

	res := c.Get(ctx, "k")
	if res.Entry.Version != 5 {
		t.Fatalf("expected version to remain 5, got %d", res.Entry.Version)
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("x"), 30_000, 0, "shard-a", 1)
	c.Invalidate(ctx, "k")
	res := c.Get(ctx, "k")
	if res.Status != StatusMiss {
		t.Fatal("expected miss after invalidate")
	}
}

func TestInvalidateByPattern(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "t1:q:users:abc", []byte("x"), 30_000, 0, "shard-a", 1)
	c.Put(ctx, "t1:q:users:def", []byte("x"), 30_000, 0, "shard-a", 1)
	c.Put(ctx, "t1:q:orders:abc", []byte("x"), 30_000, 0, "shard-a", 1)

	removed, err := c.InvalidateByPattern(ctx, "t1:q:users:")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	if c.Get(ctx, "t1:q:orders:abc").Status == StatusMiss {
		t.Fatal("unrelated prefix should survive invalidation")
	}
}

func TestTouch(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("x"), -10, 120_000, "shard-a", 1)
	if !c.Touch(ctx, "k", 30_000) {
		t.Fatal("expected touch to succeed")
	}
	res := c.Get(ctx, "k")
	if res.Status != StatusFresh {
		t.Fatalf("expected fresh after touch, got %s", res.Status)
	}
}

func TestTouch_MissingKey(t *testing.T) {
	c := New()
	if c.Touch(context.Background(), "nope", 1000) {
		t.Fatal("expected touch on missing key to fail")
	}
}

func TestDegradedCacheAlwaysMisses(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Put(ctx, "k", []byte("x"), 30_000, 0, "shard-a", 1)
	c.SetDegraded(true)
	if c.Get(ctx, "k").Status != StatusMiss {
		t.Fatal("degraded cache must report miss so callers fall back to the shard")
	}
	c.SetDegraded(false)
	if c.Get(ctx, "k").Status != StatusFresh {
		t.Fatal("expected recovery once degraded flag clears")
	}
}

func TestInvalidateByPattern_DegradedReturnsError(t *testing.T) {
	c := New()
	c.SetDegraded(true)
	if _, err := c.InvalidateByPattern(context.Background(), "t1:q:users:"); err == nil {
		t.Fatal("expected error while cache is degraded")
	}
}

func TestLargePayloadCompressedRoundTrip(t *testing.T) {
	c := New()
	ctx := context.Background()
	big := strings.Repeat("abcdefgh", 2000) // > compressionThreshold
	c.Put(ctx, "k", []byte(big), 30_000, 0, "shard-a", 1)

	res := c.Get(ctx, "k")
	if res.Status != StatusFresh {
		t.Fatalf("expected fresh, got %s", res.Status)
	}
	if string(res.Entry.Data) != big {
		t.Fatal("compressed round trip did not preserve data")
	}
}

func TestKeyShapes(t *testing.T) {
	if EntityKey("t1", "users", "1") != "t1:e:users:1" {
		t.Fatal("bad entity key")
	}
	if SecondaryKey("t1", "users", "email", "a@b.com") != "t1:i:users:email:a@b.com" {
		t.Fatal("bad secondary key")
	}
	if QueryKey("t1", "users", "fp1") != "t1:q:users:fp1" {
		t.Fatal("bad query key")
	}
}

func TestInvalidationPrefixesFromBase(t *testing.T) {
	prefixes := InvalidationPrefixes(BaseKey("t1", "users"))
	want := []string{"t1:q:users:", "t1:e:users:"}
	for i, w := range want {
		if prefixes[i] != w {
			t.Fatalf("prefix %d: got %q want %q", i, prefixes[i], w)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Put(ctx, "k", []byte("x"), 30_000, 0, "shard-a", uint64(i))
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		c.Get(ctx, "k")
	}
	<-done
	_ = time.Millisecond
}
