package quota

import (
	"context"
	"sort"
	"sync"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/models"
)

type tenantState struct {
	remaining int64
	quota     int64
	tier      models.Tier
	paused    bool
}

// MemoryGovernor keeps all counters in process memory behind a single
// mutex. Suitable for single-node deployments and tests; multi-process
// deployments should use RedisGovernor so all processes share one budget.
type MemoryGovernor struct {
	mu sync.Mutex

	globalDaily     int64
	globalRemaining int64
	bronzeReserve   float64

	tenants map[string]*tenantState
}

var _ Governor = (*MemoryGovernor)(nil)

func NewMemoryGovernor(globalDaily int64, bronzeReservePct float64) *MemoryGovernor {
	if bronzeReservePct <= 0 {
		bronzeReservePct = DefaultBronzeReservePct
	}
	return &MemoryGovernor{
		globalDaily:     globalDaily,
		globalRemaining: globalDaily,
		bronzeReserve:   bronzeReservePct,
		tenants:         make(map[string]*tenantState),
	}
}

func (g *MemoryGovernor) tenant(id string) *tenantState {
	t, ok := g.tenants[id]
	if !ok {
		t = &tenantState{tier: models.TierBronze}
		g.tenants[id] = t
	}
	return t
}

func (g *MemoryGovernor) Reserve(ctx context.Context, tenantID string, tier models.Tier, units int64) error {
	if units <= 0 {
		return apierr.Validation("reserve units must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.tenant(tenantID)
	if t.paused {
		return apierr.TenantPaused(tenantID)
	}
	if tier == models.TierBronze {
		threshold := int64(g.bronzeReserve * float64(g.globalDaily))
		if g.globalRemaining < threshold {
			return apierr.BronzeReserve(tenantID)
		}
	}
	if g.globalRemaining < units || t.remaining < units {
		return apierr.QuotaExceeded(tenantID)
	}

	g.globalRemaining -= units
	t.remaining -= units
	return nil
}

func (g *MemoryGovernor) Refund(ctx context.Context, tenantID string, units int64) error {
	if units <= 0 {
		return apierr.Validation("refund units must be positive")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.globalRemaining = min64(g.globalRemaining+units, g.globalDaily)
	t := g.tenant(tenantID)
	t.remaining = min64(t.remaining+units, t.quota)
	return nil
}

func (g *MemoryGovernor) SetTenantQuota(ctx context.Context, tenantID string, quota int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.tenant(tenantID)
	t.quota = quota
	t.remaining = quota
	return nil
}

func (g *MemoryGovernor) SetTenantTier(ctx context.Context, tenantID string, tier models.Tier) error {
	if !tier.Valid() {
		return apierr.Validation("unknown tier: " + string(tier))
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tenant(tenantID).tier = tier
	return nil
}

func (g *MemoryGovernor) Pause(ctx context.Context, tenantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tenant(tenantID).paused = true
	return nil
}

func (g *MemoryGovernor) Resume(ctx context.Context, tenantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tenant(tenantID).paused = false
	return nil
}

func (g *MemoryGovernor) ResetGlobal(ctx context.Context, globalDaily int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.globalDaily = globalDaily
	g.globalRemaining = globalDaily
	return nil
}

func (g *MemoryGovernor) Status(ctx context.Context, topN int) (*models.QuotaStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := &models.QuotaStatus{
		GlobalRemaining: g.globalRemaining,
		GlobalDaily:     g.globalDaily,
		GlobalUsed:      g.globalDaily - g.globalRemaining,
	}
	for id, t := range g.tenants {
		status.TopConsumers = append(status.TopConsumers, models.TenantConsumer{
			TenantID:  id,
			Used:      t.quota - t.remaining,
			Remaining: t.remaining,
		})
	}
	sort.Slice(status.TopConsumers, func(i, j int) bool {
		a, b := status.TopConsumers[i], status.TopConsumers[j]
		if a.Used != b.Used {
			return a.Used > b.Used
		}
		return a.TenantID < b.TenantID
	})
	if topN > 0 && len(status.TopConsumers) > topN {
		status.TopConsumers = status.TopConsumers[:topN]
	}
	return status, nil
}

func (g *MemoryGovernor) TenantStatus(ctx context.Context, tenantID string) (*models.TenantQuotaStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.tenant(tenantID)
	return &models.TenantQuotaStatus{
		TenantID:  tenantID,
		Remaining: t.remaining,
		Quota:     t.quota,
		Tier:      t.tier,
		Paused:    t.paused,
	}, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
