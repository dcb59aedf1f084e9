package ads

import (
	"context"
	"testing"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/breaker"
	"github.com/nucleus-ads/adsgateway/internal/cache"
	"github.com/nucleus-ads/adsgateway/internal/models"
	"github.com/nucleus-ads/adsgateway/internal/quota"
	"github.com/nucleus-ads/adsgateway/internal/scheduler"
)

type managerRig struct {
	manager  *Manager
	client   *MockClient
	governor *quota.MemoryGovernor
	sched    *scheduler.Scheduler
}

func newManagerRig(t *testing.T) *managerRig {
	t.Helper()
	governor := quota.NewMemoryGovernor(100000, 0.15)
	if err := governor.SetTenantQuota(context.Background(), "cust-1", 1000); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	twoTier := cache.NewTwoTier(100, cache.NewMemoryStore())
	sched := scheduler.New(scheduler.Options{
		Workers:  2,
		Governor: governor,
		Breakers: breaker.NewRegistry(breaker.Options{}),
		Cache:    twoTier,
	})
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })

	client := NewMockClient()
	return &managerRig{
		manager:  NewManager(client, sched, twoTier, 1000),
		client:   client,
		governor: governor,
		sched:    sched,
	}
}

func TestSearchChargesQuotaAndCaches(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t)

	req := SearchRequest{
		TenantID:     "cust-1",
		Tier:         models.TierGold,
		Query:        "SELECT campaign.id FROM campaign",
		CacheEnabled: true,
	}

	value, hit, err := r.manager.Search(ctx, req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hit {
		t.Error("first search should miss the cache")
	}
	if len(value) == 0 {
		t.Fatal("empty result")
	}

	ts, _ := r.governor.TenantStatus(ctx, "cust-1")
	if ts.Remaining != 1000-SearchCostUnits {
		t.Errorf("tenant remaining = %d, want %d", ts.Remaining, 1000-SearchCostUnits)
	}

	// Second identical search: cache hit, no new upstream call, no charge.
	_, hit, err = r.manager.Search(ctx, req)
	if err != nil || !hit {
		t.Fatalf("second search: hit=%v err=%v", hit, err)
	}
	if r.client.Searches() != 1 {
		t.Errorf("upstream searches = %d, want 1", r.client.Searches())
	}
	ts, _ = r.governor.TenantStatus(ctx, "cust-1")
	if ts.Remaining != 1000-SearchCostUnits {
		t.Errorf("cache hit must not charge quota, remaining = %d", ts.Remaining)
	}
}

func TestSearchCacheDisabledAlwaysCallsUpstream(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t)

	req := SearchRequest{
		TenantID: "cust-1",
		Tier:     models.TierGold,
		Query:    "SELECT campaign.id FROM campaign",
	}
	for i := 0; i < 2; i++ {
		if _, hit, err := r.manager.Search(ctx, req); err != nil || hit {
			t.Fatalf("search %d: hit=%v err=%v", i, hit, err)
		}
	}
	if r.client.Searches() != 2 {
		t.Errorf("upstream searches = %d, want 2", r.client.Searches())
	}
}

func TestMutateCostScalesWithBatch(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t)

	ops := []map[string]any{
		{"create": map[string]any{"name": "c1"}},
		{"create": map[string]any{"name": "c2"}},
	}
	if _, err := r.manager.Mutate(ctx, MutateRequest{
		TenantID:      "cust-1",
		Tier:          models.TierGold,
		Operations:    ops,
		OperationType: "campaign",
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	ts, _ := r.governor.TenantStatus(ctx, "cust-1")
	want := int64(1000 - 2*MutateCostPerOp)
	if ts.Remaining != want {
		t.Errorf("tenant remaining = %d, want %d", ts.Remaining, want)
	}
}

func TestUpstreamTransientFailureRefunds(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t)
	r.client.Fail = apierr.MapUpstream("UNAVAILABLE", "upstream 503")

	_, _, err := r.manager.Search(ctx, SearchRequest{
		TenantID: "cust-1",
		Tier:     models.TierGold,
		Query:    "SELECT campaign.id FROM campaign",
	})
	if apierr.From(err).Code != "UPSTREAM_TRANSIENT" {
		t.Fatalf("err = %v, want UPSTREAM_TRANSIENT", err)
	}

	ts, _ := r.governor.TenantStatus(ctx, "cust-1")
	if ts.Remaining != 1000 {
		t.Errorf("tenant remaining = %d, want full refund", ts.Remaining)
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	if e := apierr.MapUpstream("INVALID_ARGUMENT", "bad GAQL"); e.Retryable || !e.Billable {
		t.Errorf("INVALID_ARGUMENT should be terminal and billable: %+v", e)
	}
	if e := apierr.MapUpstream("RESOURCE_EXHAUSTED", "upstream quota"); !e.Retryable || e.Billable {
		t.Errorf("RESOURCE_EXHAUSTED should be transient: %+v", e)
	}
}

func TestInvalidateTenantPurgesCache(t *testing.T) {
	ctx := context.Background()
	r := newManagerRig(t)

	req := SearchRequest{
		TenantID:     "cust-1",
		Tier:         models.TierGold,
		Query:        "SELECT campaign.id FROM campaign",
		CacheEnabled: true,
	}
	if _, _, err := r.manager.Search(ctx, req); err != nil {
		t.Fatalf("search: %v", err)
	}

	if _, err := r.manager.InvalidateTenant(ctx, "cust-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, hit, _ := r.manager.Search(ctx, req); hit {
		t.Error("search after invalidation should miss")
	}
}
