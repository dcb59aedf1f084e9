package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/models"
)

func newTestGovernor(t *testing.T, globalDaily, tenantQuota int64) *MemoryGovernor {
	t.Helper()
	g := NewMemoryGovernor(globalDaily, 0.15)
	if err := g.SetTenantQuota(context.Background(), "tenant-a", tenantQuota); err != nil {
		t.Fatalf("set tenant quota: %v", err)
	}
	return g
}

func TestReserveGrantsAndCharges(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, 1000, 200)

	if err := g.Reserve(ctx, "tenant-a", models.TierGold, 50); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	st, _ := g.Status(ctx, 0)
	if st.GlobalRemaining != 950 {
		t.Errorf("global remaining = %d, want 950", st.GlobalRemaining)
	}
	ts, _ := g.TenantStatus(ctx, "tenant-a")
	if ts.Remaining != 150 {
		t.Errorf("tenant remaining = %d, want 150", ts.Remaining)
	}
}

func TestReserveDeniedWhenTenantQuotaInsufficient(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, 1000, 30)

	err := g.Reserve(ctx, "tenant-a", models.TierGold, 50)
	if err == nil {
		t.Fatal("expected denial")
	}
	if apierr.From(err).Code != "QUOTA_EXCEEDED" {
		t.Errorf("code = %s, want QUOTA_EXCEEDED", apierr.From(err).Code)
	}
	// Denial must not charge.
	st, _ := g.Status(ctx, 0)
	if st.GlobalRemaining != 1000 {
		t.Errorf("global remaining = %d, want 1000", st.GlobalRemaining)
	}
}

func TestReserveAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	const (
		tenantQuota = 500
		cost        = 50
		callers     = 64
	)
	g := newTestGovernor(t, 100000, tenantQuota)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Reserve(ctx, "tenant-a", models.TierGold, cost); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if want := tenantQuota / cost; granted != want {
		t.Errorf("granted = %d, want exactly %d", granted, want)
	}
	ts, _ := g.TenantStatus(ctx, "tenant-a")
	if ts.Remaining != 0 {
		t.Errorf("tenant remaining = %d, want 0", ts.Remaining)
	}
}

func TestBronzeShedding(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGovernor(1000, 0.15)
	if err := g.SetTenantQuota(ctx, "tenant-a", 500); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	// Drain global to 140 of 1000 (14%, below the 15% reserve).
	if err := g.Reserve(ctx, "tenant-a", models.TierGold, 500); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := g.SetTenantQuota(ctx, "tenant-b", 500); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := g.Reserve(ctx, "tenant-b", models.TierGold, 360); err != nil {
		t.Fatalf("drain: %v", err)
	}
	st, _ := g.Status(ctx, 0)
	if st.GlobalRemaining != 140 {
		t.Fatalf("global remaining = %d, want 140", st.GlobalRemaining)
	}

	err := g.Reserve(ctx, "tenant-b", models.TierBronze, 10)
	if err == nil {
		t.Fatal("expected bronze denial")
	}
	if apierr.From(err).Code != "BRONZE_RESERVE" {
		t.Errorf("code = %s, want BRONZE_RESERVE", apierr.From(err).Code)
	}

	// Gold is still granted with the same counters.
	if err := g.Reserve(ctx, "tenant-b", models.TierGold, 10); err != nil {
		t.Errorf("gold reserve: %v", err)
	}
}

func TestPauseBlocksReserve(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, 1000, 200)

	if err := g.Pause(ctx, "tenant-a"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := g.Reserve(ctx, "tenant-a", models.TierGold, 10)
	if apierr.From(err).Code != "TENANT_PAUSED" {
		t.Fatalf("err = %v, want TENANT_PAUSED", err)
	}

	if err := g.Resume(ctx, "tenant-a"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := g.Reserve(ctx, "tenant-a", models.TierGold, 10); err != nil {
		t.Errorf("reserve after resume: %v", err)
	}
}

func TestRefundRestoresCounters(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, 1000, 200)

	if err := g.Reserve(ctx, "tenant-a", models.TierGold, 50); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := g.Refund(ctx, "tenant-a", 50); err != nil {
		t.Fatalf("refund: %v", err)
	}

	st, _ := g.Status(ctx, 0)
	if st.GlobalRemaining != 1000 {
		t.Errorf("global remaining = %d, want 1000", st.GlobalRemaining)
	}
	ts, _ := g.TenantStatus(ctx, "tenant-a")
	if ts.Remaining != 200 {
		t.Errorf("tenant remaining = %d, want 200", ts.Remaining)
	}
}

func TestRefundClampsToQuotaAfterAdminReset(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, 1000, 200)

	if err := g.Reserve(ctx, "tenant-a", models.TierGold, 100); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Admin shrinks the cap while the reservation is in flight.
	if err := g.SetTenantQuota(ctx, "tenant-a", 50); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := g.Refund(ctx, "tenant-a", 100); err != nil {
		t.Fatalf("refund: %v", err)
	}

	ts, _ := g.TenantStatus(ctx, "tenant-a")
	if ts.Remaining != 50 {
		t.Errorf("tenant remaining = %d, want clamp to 50", ts.Remaining)
	}
}

func TestStatusTopConsumers(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGovernor(10000, 0.15)
	for id, used := range map[string]int64{"a": 300, "b": 100, "c": 200} {
		if err := g.SetTenantQuota(ctx, id, 1000); err != nil {
			t.Fatalf("set quota: %v", err)
		}
		if err := g.Reserve(ctx, id, models.TierGold, used); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	st, err := g.Status(ctx, 2)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.TopConsumers) != 2 {
		t.Fatalf("top consumers = %d, want 2", len(st.TopConsumers))
	}
	if st.TopConsumers[0].TenantID != "a" || st.TopConsumers[1].TenantID != "c" {
		t.Errorf("top consumers = %v, want a then c", st.TopConsumers)
	}
}
