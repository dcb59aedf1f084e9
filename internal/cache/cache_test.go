package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	c := NewLRU(2)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	if evicted := c.Set("c", []byte("3")); !evicted {
		t.Fatal("expected eviction on insert over capacity")
	}

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should have survived")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should be present")
	}
}

func TestLRUUpdateDoesNotEvict(t *testing.T) {
	c := NewLRU(2)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	if evicted := c.Set("a", []byte("1b")); evicted {
		t.Fatal("updating an existing key must not evict")
	}
	if v, _ := c.Get("a"); string(v) != "1b" {
		t.Errorf("a = %q, want 1b", v)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestTwoTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryStore()
	c := NewTwoTier(10, shared)

	key := Key("tenant-a", "search", map[string]string{"q": "SELECT campaign.id"})
	if err := c.Store(ctx, key, []byte(`{"rows":1}`), "reporting"); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := c.Lookup(ctx, key)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"rows":1}` {
		t.Errorf("value = %s", got)
	}
}

func TestTwoTierSharedTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	shared := NewMemoryStore()
	shared.SetClock(func() time.Time { return now })

	// Local capacity 1 so a second entry evicts the first, forcing the
	// later lookup to the shared tier.
	c := NewTwoTier(1, shared)

	if err := c.Store(ctx, "k1", []byte("v1"), "reporting"); err != nil {
		t.Fatalf("store: %v", err)
	}
	c.Store(ctx, "k2", []byte("v2"), "reporting")

	// Within the 300s reporting TTL: shared hit, promoted locally.
	now = now.Add(299 * time.Second)
	if _, ok, _ := c.Lookup(ctx, "k1"); !ok {
		t.Fatal("expected shared-tier hit inside TTL")
	}

	// Evict k1 locally again, then pass the TTL boundary.
	c.Store(ctx, "k3", []byte("v3"), "reporting")
	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Lookup(ctx, "k1"); ok {
		t.Fatal("expected miss after shared TTL elapsed")
	}
}

func TestTwoTierPromotionOnSharedHit(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryStore()
	c := NewTwoTier(10, shared)

	// Entry exists only in the shared tier.
	if err := shared.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("seed shared: %v", err)
	}

	if _, ok, _ := c.Lookup(ctx, "k"); !ok {
		t.Fatal("expected shared hit")
	}
	// Now present locally even if the shared tier loses it.
	shared.Delete(ctx, "k")
	if _, ok, _ := c.Lookup(ctx, "k"); !ok {
		t.Fatal("expected local hit after promotion")
	}
}

func TestTwoTierStats(t *testing.T) {
	ctx := context.Background()
	c := NewTwoTier(10, NewMemoryStore())

	c.Store(ctx, "k", []byte("v"), "default")
	c.Lookup(ctx, "k")
	c.Lookup(ctx, "absent")

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 set", st)
	}
	if st.HitRate() != 50 {
		t.Errorf("hit rate = %v, want 50", st.HitRate())
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("t", "search", map[string]string{"q": "x", "page": "1"})
	b := Key("t", "search", map[string]string{"page": "1", "q": "x"})
	if a != b {
		t.Errorf("same params must yield same key: %s vs %s", a, b)
	}
	if c := Key("t", "search", map[string]string{"q": "y", "page": "1"}); c == a {
		t.Error("different params must yield different keys")
	}
}

func TestPurgePattern(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryStore()
	c := NewTwoTier(10, shared)

	for i := 0; i < 3; i++ {
		c.Store(ctx, fmt.Sprintf("tenant:a:search:%d", i), []byte("v"), "default")
	}
	c.Store(ctx, "tenant:b:search:0", []byte("v"), "default")

	n, err := c.PurgePattern(ctx, "tenant:a:*")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Errorf("purged = %d, want 3", n)
	}
	if _, ok, _ := c.Lookup(ctx, "tenant:b:search:0"); !ok {
		t.Error("unrelated tenant entry should survive in shared tier")
	}
}
