// Package ads wraps the upstream advertising API behind the admission
// pipeline: cache lookup first, then SLA-weighted scheduling with quota
// reservation and circuit breaking, then the paced upstream call.
package ads

import (
	"context"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/nucleus-ads/adsgateway/internal/cache"
	"github.com/nucleus-ads/adsgateway/internal/models"
	"github.com/nucleus-ads/adsgateway/internal/scheduler"
)

// Quota costs per operation, matching upstream billing units.
const (
	SearchCostUnits = 10
	MutateCostPerOp = 50
)

// Default urgencies: mutations run hotter than reads.
const (
	DefaultSearchUrgency = 50
	DefaultMutateUrgency = 70
)

// SearchRequest is a GAQL-style read.
type SearchRequest struct {
	TenantID     string
	Tier         models.Tier
	Query        string
	PageSize     int
	Urgency      int
	CacheEnabled bool
	ServiceClass string
}

// MutateRequest is a write batch. Mutations are never cached.
type MutateRequest struct {
	TenantID      string
	Tier          models.Tier
	Operations    []map[string]any
	OperationType string
	Urgency       int
	ValidateOnly  bool
}

type Manager struct {
	client Client
	sched  *scheduler.Scheduler
	cache  *cache.TwoTier

	// limiter paces outbound upstream calls across all tenants; the quota
	// governor bounds volume, this bounds instantaneous rate.
	limiter *rate.Limiter
}

func NewManager(client Client, sched *scheduler.Scheduler, twoTier *cache.TwoTier, ratePerSec float64) *Manager {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Manager{
		client:  client,
		sched:   sched,
		cache:   twoTier,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
	}
}

// Search answers from the cache when possible, otherwise schedules an
// upstream query. The boolean reports a cache hit.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]byte, bool, error) {
	if req.PageSize <= 0 {
		req.PageSize = 1000
	}
	if req.Urgency == 0 {
		req.Urgency = DefaultSearchUrgency
	}
	if req.ServiceClass == "" {
		req.ServiceClass = "reporting"
	}

	var key string
	if req.CacheEnabled {
		key = cache.Key(req.TenantID, "search", map[string]string{
			"query":     req.Query,
			"page_size": strconv.Itoa(req.PageSize),
		})
		if value, ok, err := m.cache.Lookup(ctx, key); err == nil && ok {
			return value, true, nil
		}
	}

	sub := scheduler.Submission{
		TenantID:      req.TenantID,
		Tier:          req.Tier,
		Urgency:       req.Urgency,
		CostUnits:     SearchCostUnits,
		ResourceClass: "search",
		CacheKey:      key,
		ServiceClass:  req.ServiceClass,
		Execute: func(ctx context.Context) ([]byte, error) {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return m.client.Search(ctx, req.TenantID, req.Query, req.PageSize)
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		sub.Deadline = deadline
	}

	value, err := m.run(ctx, sub)
	return value, false, err
}

// Mutate schedules an upstream write batch. Cost scales with batch size.
func (m *Manager) Mutate(ctx context.Context, req MutateRequest) ([]byte, error) {
	if req.Urgency == 0 {
		req.Urgency = DefaultMutateUrgency
	}

	sub := scheduler.Submission{
		TenantID:      req.TenantID,
		Tier:          req.Tier,
		Urgency:       req.Urgency,
		CostUnits:     int64(MutateCostPerOp * len(req.Operations)),
		ResourceClass: "mutate",
		Execute: func(ctx context.Context) ([]byte, error) {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return m.client.Mutate(ctx, req.TenantID, req.Operations, req.ValidateOnly)
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		sub.Deadline = deadline
	}

	return m.run(ctx, sub)
}

func (m *Manager) run(ctx context.Context, sub scheduler.Submission) ([]byte, error) {
	ticket, err := m.sched.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}

	// Drop the operation if the caller goes away before dispatch; a
	// dispatched operation runs to completion.
	waitCtx := ctx
	stop := context.AfterFunc(ctx, func() { ticket.Cancel() })
	defer stop()

	res := ticket.Wait(waitCtx)
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

// InvalidateTenant purges all cached responses for one tenant, used after
// mutations that change campaign structure.
func (m *Manager) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return m.cache.PurgePattern(ctx, "tenant:"+tenantID+":*")
}
