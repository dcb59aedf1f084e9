package models

import "time"

// Tier is the SLA classification of a tenant. It controls scheduling
// priority weight and quota-shedding eligibility.
type Tier string

const (
	TierGold   Tier = "gold"
	TierSilver Tier = "silver"
	TierBronze Tier = "bronze"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierGold, TierSilver, TierBronze:
		return true
	}
	return false
}

// Weight returns the scheduling weight for the tier. Higher weight divides
// the base priority down, so gold operations dispatch before silver and
// silver before bronze at equal urgency.
func (t Tier) Weight() int {
	switch t {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	default:
		return 1
	}
}

type Tenant struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	APIKey     string    `json:"api_key"`
	Tier       Tier      `json:"tier"`
	DailyQuota int64     `json:"daily_quota"`
	Paused     bool      `json:"paused"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type AccessLog struct {
	ID             int64     `json:"id"`
	TenantID       int       `json:"tenant_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int       `json:"response_time_ms"`
	QuotaUnits     int64     `json:"quota_units"`
	CacheHit       bool      `json:"cache_hit"`
	Timestamp      time.Time `json:"timestamp"`
}

// QuotaStatus is the global counter snapshot returned by the admin API.
type QuotaStatus struct {
	GlobalRemaining int64            `json:"global_remaining"`
	GlobalDaily     int64            `json:"global_daily"`
	GlobalUsed      int64            `json:"global_used"`
	TopConsumers    []TenantConsumer `json:"top_consumers"`
}

// TenantConsumer pairs a tenant with its consumed quota units, used for the
// top-N consumer listing.
type TenantConsumer struct {
	TenantID  string `json:"tenant_id"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// TenantQuotaStatus is the per-tenant counter snapshot.
type TenantQuotaStatus struct {
	TenantID  string `json:"tenant_id"`
	Remaining int64  `json:"remaining"`
	Quota     int64  `json:"quota"`
	Tier      Tier   `json:"tier"`
	Paused    bool   `json:"paused"`
}
