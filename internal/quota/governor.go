// Package quota implements the quota governor: global and per-tenant budget
// counters with an atomic reserve/refund protocol.
//
// Reserve is a single indivisible check-and-decrement. Two concurrent
// reservations against the same counter can never both observe the
// pre-decrement value: the memory backend serializes through a mutex, the
// Redis backend through a server-side Lua script. Callers must never
// read-then-write the counters themselves.
package quota

import (
	"context"

	"github.com/nucleus-ads/adsgateway/internal/models"
)

// Governor answers "may this operation proceed" and accounts for its cost.
type Governor interface {
	// Reserve atomically checks and decrements both the global and the
	// tenant counter. A nil return means granted. A non-nil return is the
	// denial reason (quota exhausted, tenant paused, bronze reserve rule);
	// nothing was charged. Reserve never blocks on other reservations
	// beyond the critical section itself.
	Reserve(ctx context.Context, tenantID string, tier models.Tier, units int64) error

	// Refund reverses a prior successful Reserve. It is used only when the
	// reserved operation failed without consuming upstream capacity.
	// Counters are clamped to their caps, so a refund racing an admin
	// reset can never push a counter above its limit.
	Refund(ctx context.Context, tenantID string, units int64) error

	// Administrative mutators. Each is a single atomic write; in-flight
	// reservations are not retroactively invalidated.
	SetTenantQuota(ctx context.Context, tenantID string, quota int64) error
	SetTenantTier(ctx context.Context, tenantID string, tier models.Tier) error
	Pause(ctx context.Context, tenantID string) error
	Resume(ctx context.Context, tenantID string) error
	ResetGlobal(ctx context.Context, globalDaily int64) error

	// Status returns the global counters and the top-N tenant consumers.
	Status(ctx context.Context, topN int) (*models.QuotaStatus, error)
	TenantStatus(ctx context.Context, tenantID string) (*models.TenantQuotaStatus, error)
}

// DefaultBronzeReservePct is the fraction of global_daily reserved for gold
// and silver tenants; bronze reservations are denied below it.
const DefaultBronzeReservePct = 0.15
