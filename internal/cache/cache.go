// Package cache implements the two-tier response cache: a bounded
// process-local LRU in front of a shared TTL store. Lookups probe
// local-then-shared and promote shared hits into the local tier; stores
// write both tiers with a TTL chosen per service class.
//
// Concurrent misses on the same key may both recompute; there is no
// stampede protection or negative caching at this layer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// TTLByService maps a service class to the shared-tier TTL. The local tier
// carries no TTL of its own.
var TTLByService = map[string]time.Duration{
	"reporting": 300 * time.Second,
	"campaign":  1800 * time.Second,
	"keyword":   900 * time.Second,
	"budget":    3600 * time.Second,
	"customer":  86400 * time.Second,
	"default":   300 * time.Second,
}

// TTLFor returns the shared-tier TTL for a service class, falling back to
// the default class for unknown names.
func TTLFor(serviceClass string) time.Duration {
	if ttl, ok := TTLByService[serviceClass]; ok {
		return ttl
	}
	return TTLByService["default"]
}

type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	LocalSize int   `json:"local_size"`
}

// HitRate returns the hit percentage over all lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// TwoTier composes the local LRU and the shared store.
type TwoTier struct {
	local  *LRU
	shared SharedStore

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

func NewTwoTier(localCapacity int, shared SharedStore) *TwoTier {
	return &TwoTier{
		local:  NewLRU(localCapacity),
		shared: shared,
	}
}

// Lookup probes the local tier, then the shared tier. A shared hit is
// promoted into the local tier before returning.
func (c *TwoTier) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	if value, ok := c.local.Get(key); ok {
		c.hits.Add(1)
		return value, true, nil
	}

	value, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("shared cache get %q: %w", key, err)
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	if c.local.Set(key, value) {
		c.evictions.Add(1)
	}
	c.hits.Add(1)
	return value, true, nil
}

// Store writes to both tiers. The shared-tier TTL comes from the service
// class table, never from the caller.
func (c *TwoTier) Store(ctx context.Context, key string, value []byte, serviceClass string) error {
	if c.local.Set(key, value) {
		c.evictions.Add(1)
	}
	c.sets.Add(1)

	if err := c.shared.Set(ctx, key, value, TTLFor(serviceClass)); err != nil {
		return fmt.Errorf("shared cache set %q: %w", key, err)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *TwoTier) Delete(ctx context.Context, key string) error {
	c.local.Delete(key)
	return c.shared.Delete(ctx, key)
}

// PurgePattern drops all shared-tier keys matching pattern and clears the
// whole local tier, since the local tier cannot match patterns cheaply.
func (c *TwoTier) PurgePattern(ctx context.Context, pattern string) (int, error) {
	c.local.Clear()
	return c.shared.DeletePattern(ctx, pattern)
}

func (c *TwoTier) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		LocalSize: c.local.Len(),
	}
}

// Key builds a deterministic fingerprint for (tenant, operation, params).
// Params are sorted so equal requests always map to the same entry.
func Key(tenantID, operation string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString(tenantID)
	sb.WriteByte(':')
	sb.WriteString(operation)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteByte(':')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(params[name])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("tenant:%s:%s:%s", tenantID, operation, hex.EncodeToString(sum[:16]))
}
