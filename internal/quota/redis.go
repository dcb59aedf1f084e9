package quota

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/models"
)

// reserveScript performs the check-and-decrement in one server-side step.
// KEYS: global_remaining, global_daily, tenant_remaining, tenant_paused
// ARGV: units, isBronze (0/1), bronzeReservePct
var reserveScript = redis.NewScript(`
if redis.call("GET", KEYS[4]) == "1" then
	return "PAUSED"
end
local gr = tonumber(redis.call("GET", KEYS[1]) or "0")
local gd = tonumber(redis.call("GET", KEYS[2]) or "0")
local tr = tonumber(redis.call("GET", KEYS[3]) or "0")
local units = tonumber(ARGV[1])
if ARGV[2] == "1" and gr < tonumber(ARGV[3]) * gd then
	return "BRONZE"
end
if gr < units or tr < units then
	return "DENIED"
end
redis.call("DECRBY", KEYS[1], units)
redis.call("DECRBY", KEYS[3], units)
return "OK"
`)

// refundScript adds units back, clamping each counter to its cap so a
// refund racing an admin reset cannot exceed the new cap.
// KEYS: global_remaining, global_daily, tenant_remaining, tenant_quota
// ARGV: units
var refundScript = redis.NewScript(`
local units = tonumber(ARGV[1])
local gd = tonumber(redis.call("GET", KEYS[2]) or "0")
local gr = tonumber(redis.call("GET", KEYS[1]) or "0") + units
if gr > gd then
	gr = gd
end
redis.call("SET", KEYS[1], gr)
local tq = tonumber(redis.call("GET", KEYS[4]) or "0")
local tr = tonumber(redis.call("GET", KEYS[3]) or "0") + units
if tr > tq then
	tr = tq
end
redis.call("SET", KEYS[3], tr)
return gr
`)

const (
	keyGlobalDaily     = "quota:global_daily"
	keyGlobalRemaining = "quota:global_remaining"
	keyTenantSet       = "quota:tenants"
)

func keyTenantRemaining(id string) string { return fmt.Sprintf("quota:tenant:%s:remaining", id) }
func keyTenantQuota(id string) string     { return fmt.Sprintf("quota:tenant:%s:quota", id) }
func keyTenantPaused(id string) string    { return fmt.Sprintf("tenant:%s:paused", id) }
func keyTenantTier(id string) string      { return fmt.Sprintf("tenant:%s:tier", id) }

// RedisGovernor stores the counters in Redis so every gateway process in a
// deployment draws from the same budget. All counter mutation goes through
// Lua scripts for atomicity.
type RedisGovernor struct {
	client        *redis.Client
	bronzeReserve float64
}

var _ Governor = (*RedisGovernor)(nil)

func NewRedisGovernor(client *redis.Client, bronzeReservePct float64) *RedisGovernor {
	if bronzeReservePct <= 0 {
		bronzeReservePct = DefaultBronzeReservePct
	}
	return &RedisGovernor{client: client, bronzeReserve: bronzeReservePct}
}

func (g *RedisGovernor) Reserve(ctx context.Context, tenantID string, tier models.Tier, units int64) error {
	if units <= 0 {
		return apierr.Validation("reserve units must be positive")
	}

	isBronze := "0"
	if tier == models.TierBronze {
		isBronze = "1"
	}
	keys := []string{
		keyGlobalRemaining,
		keyGlobalDaily,
		keyTenantRemaining(tenantID),
		keyTenantPaused(tenantID),
	}
	res, err := reserveScript.Run(ctx, g.client, keys,
		units, isBronze, strconv.FormatFloat(g.bronzeReserve, 'f', -1, 64)).Text()
	if err != nil {
		return fmt.Errorf("quota reserve script: %w", err)
	}

	switch res {
	case "OK":
		return nil
	case "PAUSED":
		return apierr.TenantPaused(tenantID)
	case "BRONZE":
		return apierr.BronzeReserve(tenantID)
	default:
		return apierr.QuotaExceeded(tenantID)
	}
}

func (g *RedisGovernor) Refund(ctx context.Context, tenantID string, units int64) error {
	if units <= 0 {
		return apierr.Validation("refund units must be positive")
	}

	keys := []string{
		keyGlobalRemaining,
		keyGlobalDaily,
		keyTenantRemaining(tenantID),
		keyTenantQuota(tenantID),
	}
	if err := refundScript.Run(ctx, g.client, keys, units).Err(); err != nil {
		return fmt.Errorf("quota refund script: %w", err)
	}
	return nil
}

func (g *RedisGovernor) SetTenantQuota(ctx context.Context, tenantID string, quota int64) error {
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, keyTenantQuota(tenantID), quota, 0)
	pipe.Set(ctx, keyTenantRemaining(tenantID), quota, 0)
	pipe.SAdd(ctx, keyTenantSet, tenantID)
	_, err := pipe.Exec(ctx)
	return err
}

func (g *RedisGovernor) SetTenantTier(ctx context.Context, tenantID string, tier models.Tier) error {
	if !tier.Valid() {
		return apierr.Validation("unknown tier: " + string(tier))
	}
	return g.client.Set(ctx, keyTenantTier(tenantID), string(tier), 0).Err()
}

func (g *RedisGovernor) Pause(ctx context.Context, tenantID string) error {
	return g.client.Set(ctx, keyTenantPaused(tenantID), "1", 0).Err()
}

func (g *RedisGovernor) Resume(ctx context.Context, tenantID string) error {
	return g.client.Del(ctx, keyTenantPaused(tenantID)).Err()
}

func (g *RedisGovernor) ResetGlobal(ctx context.Context, globalDaily int64) error {
	pipe := g.client.TxPipeline()
	pipe.Set(ctx, keyGlobalDaily, globalDaily, 0)
	pipe.Set(ctx, keyGlobalRemaining, globalDaily, 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (g *RedisGovernor) Status(ctx context.Context, topN int) (*models.QuotaStatus, error) {
	remaining, err := g.getInt(ctx, keyGlobalRemaining)
	if err != nil {
		return nil, err
	}
	daily, err := g.getInt(ctx, keyGlobalDaily)
	if err != nil {
		return nil, err
	}

	status := &models.QuotaStatus{
		GlobalRemaining: remaining,
		GlobalDaily:     daily,
		GlobalUsed:      daily - remaining,
	}

	ids, err := g.client.SMembers(ctx, keyTenantSet).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	for _, id := range ids {
		tr, err := g.getInt(ctx, keyTenantRemaining(id))
		if err != nil {
			return nil, err
		}
		tq, err := g.getInt(ctx, keyTenantQuota(id))
		if err != nil {
			return nil, err
		}
		status.TopConsumers = append(status.TopConsumers, models.TenantConsumer{
			TenantID:  id,
			Used:      tq - tr,
			Remaining: tr,
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

func (g *RedisGovernor) TenantStatus(ctx context.Context, tenantID string) (*models.TenantQuotaStatus, error) {
	remaining, err := g.getInt(ctx, keyTenantRemaining(tenantID))
	if err != nil {
		return nil, err
	}
	quota, err := g.getInt(ctx, keyTenantQuota(tenantID))
	if err != nil {
		return nil, err
	}
	tier, err := g.client.Get(ctx, keyTenantTier(tenantID)).Result()
	if err == redis.Nil {
		tier = string(models.TierBronze)
	} else if err != nil {
		return nil, err
	}
	paused, err := g.client.Get(ctx, keyTenantPaused(tenantID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	return &models.TenantQuotaStatus{
		TenantID:  tenantID,
		Remaining: remaining,
		Quota:     quota,
		Tier:      models.Tier(tier),
		Paused:    paused == "1",
	}, nil
}

func (g *RedisGovernor) getInt(ctx context.Context, key string) (int64, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
