// Package admin serves the operator surface: tenant registry management,
// quota administration and runtime statistics. Routes are role-gated; the
// handlers trust the gate and perform no further authorization.
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nucleus-ads/adsgateway/internal/breaker"
	"github.com/nucleus-ads/adsgateway/internal/cache"
	"github.com/nucleus-ads/adsgateway/internal/db"
	"github.com/nucleus-ads/adsgateway/internal/models"
	"github.com/nucleus-ads/adsgateway/internal/quota"
	"github.com/nucleus-ads/adsgateway/internal/scheduler"
)

type Handler struct {
	db       *db.DB
	governor quota.Governor
	cache    *cache.TwoTier
	sched    *scheduler.Scheduler
	breakers *breaker.Registry

	// globalDaily is the configured budget used when a reset request does
	// not name one.
	globalDaily int64
}

func NewHandler(database *db.DB, governor quota.Governor, twoTier *cache.TwoTier, sched *scheduler.Scheduler, breakers *breaker.Registry, globalDaily int64) *Handler {
	return &Handler{
		db:          database,
		governor:    governor,
		cache:       twoTier,
		sched:       sched,
		breakers:    breakers,
		globalDaily: globalDaily,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	// Tenant registry
	router.HandleFunc("/tenants", h.ListTenants).Methods("GET")
	router.HandleFunc("/tenants", h.CreateTenant).Methods("POST")
	router.HandleFunc("/tenants/{id}", h.GetTenant).Methods("GET")
	router.HandleFunc("/tenants/{id}/rotate-key", h.RotateAPIKey).Methods("POST")

	// Quota administration
	router.HandleFunc("/quota/reset", h.ResetGlobalQuota).Methods("POST")
	router.HandleFunc("/quota/status", h.QuotaStatus).Methods("GET")
	router.HandleFunc("/clients/{id}/quota", h.SetClientQuota).Methods("POST")
	router.HandleFunc("/clients/{id}/quota", h.GetClientQuota).Methods("GET")
	router.HandleFunc("/clients/{id}/tier", h.SetClientTier).Methods("POST")
	router.HandleFunc("/clients/{id}/pause", h.PauseClient).Methods("POST")
	router.HandleFunc("/clients/{id}/resume", h.ResumeClient).Methods("POST")

	// Runtime
	router.HandleFunc("/stats", h.Stats).Methods("GET")
	router.HandleFunc("/cache/purge", h.PurgeCache).Methods("POST")
}

func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string      `json:"name"`
		Tier       models.Tier `json:"tier"`
		DailyQuota int64       `json:"daily_quota"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierBronze
	}
	if !req.Tier.Valid() {
		http.Error(w, "Tier must be gold, silver or bronze", http.StatusBadRequest)
		return
	}
	if req.DailyQuota <= 0 {
		req.DailyQuota = 10000
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	tenant := &models.Tenant{
		Name:       req.Name,
		APIKey:     apiKey,
		Tier:       req.Tier,
		DailyQuota: req.DailyQuota,
	}

	if err := h.db.CreateTenant(r.Context(), tenant); err != nil {
		log.Printf("Failed to create tenant: %v", err)
		http.Error(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}

	// Seed the governor so reservations work before the first admin edit.
	tenantID := strconv.Itoa(tenant.ID)
	if err := h.governor.SetTenantTier(r.Context(), tenantID, tenant.Tier); err != nil {
		log.Printf("Failed to seed tier for tenant %s: %v", tenantID, err)
	}
	if err := h.governor.SetTenantQuota(r.Context(), tenantID, tenant.DailyQuota); err != nil {
		log.Printf("Failed to seed quota for tenant %s: %v", tenantID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tenant)
}

func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.db.ListTenants(r.Context())
	if err != nil {
		http.Error(w, "Failed to list tenants", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenants)
}

func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	tenant, err := h.db.GetTenantByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tenant)
}

func (h *Handler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	newAPIKey, err := generateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	if err := h.db.RotateAPIKey(r.Context(), id, newAPIKey); err != nil {
		http.Error(w, "Failed to rotate API key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"api_key": newAPIKey,
		"status":  "rotated",
	})
}

// ResetGlobalQuota restores the global counter for a new quota epoch. The
// body may name a budget; otherwise the configured daily budget applies.
func (h *Handler) ResetGlobalQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GlobalDaily int64 `json:"global_daily"`
	}
	// An empty body means "reset to the configured budget".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.GlobalDaily = 0
	}
	if req.GlobalDaily <= 0 {
		req.GlobalDaily = h.globalDaily
	}

	if err := h.governor.ResetGlobal(r.Context(), req.GlobalDaily); err != nil {
		log.Printf("Global quota reset failed: %v", err)
		http.Error(w, "Failed to reset global quota", http.StatusInternalServerError)
		return
	}

	log.Printf("global quota reset to %d units", req.GlobalDaily)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "reset",
		"global_daily": req.GlobalDaily,
	})
}

func (h *Handler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	topN := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			topN = n
		}
	}

	status, err := h.governor.Status(r.Context(), topN)
	if err != nil {
		http.Error(w, "Failed to get quota status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// SetClientQuota updates the tenant's daily budget in the registry and the
// governor. The governor write also restores the remaining counter.
func (h *Handler) SetClientQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		DailyQuota int64 `json:"daily_quota"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DailyQuota <= 0 {
		http.Error(w, "daily_quota must be positive", http.StatusBadRequest)
		return
	}

	if err := h.db.SetTenantDailyQuota(r.Context(), id, req.DailyQuota); err != nil {
		http.Error(w, "Failed to update tenant", http.StatusInternalServerError)
		return
	}
	if err := h.governor.SetTenantQuota(r.Context(), strconv.Itoa(id), req.DailyQuota); err != nil {
		http.Error(w, "Failed to update governor", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "updated", "daily_quota": req.DailyQuota})
}

func (h *Handler) GetClientQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	status, err := h.governor.TenantStatus(r.Context(), strconv.Itoa(id))
	if err != nil {
		http.Error(w, "Failed to get tenant quota", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) SetClientTier(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Tier models.Tier `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Tier.Valid() {
		http.Error(w, "Tier must be gold, silver or bronze", http.StatusBadRequest)
		return
	}

	if err := h.db.SetTenantTier(r.Context(), id, req.Tier); err != nil {
		http.Error(w, "Failed to update tenant", http.StatusInternalServerError)
		return
	}
	if err := h.governor.SetTenantTier(r.Context(), strconv.Itoa(id), req.Tier); err != nil {
		http.Error(w, "Failed to update governor", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "updated", "tier": req.Tier})
}

func (h *Handler) PauseClient(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *Handler) ResumeClient(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.db.SetTenantPaused(r.Context(), id, paused); err != nil {
		http.Error(w, "Failed to update tenant", http.StatusInternalServerError)
		return
	}

	tenantID := strconv.Itoa(id)
	var err error
	if paused {
		err = h.governor.Pause(r.Context(), tenantID)
	} else {
		err = h.governor.Resume(r.Context(), tenantID)
	}
	if err != nil {
		http.Error(w, "Failed to update governor", http.StatusInternalServerError)
		return
	}

	status := "resumed"
	if paused {
		status = "paused"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// Stats reports the runtime counters operators watch: cache effectiveness,
// scheduler throughput and circuit breaker states.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	cacheStats := h.cache.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"cache": map[string]any{
			"hits":       cacheStats.Hits,
			"misses":     cacheStats.Misses,
			"sets":       cacheStats.Sets,
			"evictions":  cacheStats.Evictions,
			"local_size": cacheStats.LocalSize,
			"hit_rate":   cacheStats.HitRate(),
		},
		"scheduler": h.sched.Stats(),
		"breakers":  h.breakers.States(),
	})
}

func (h *Handler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pattern == "" {
		http.Error(w, "pattern is required", http.StatusBadRequest)
		return
	}

	purged, err := h.cache.PurgePattern(r.Context(), req.Pattern)
	if err != nil {
		log.Printf("Cache purge failed for pattern %q: %v", req.Pattern, err)
		http.Error(w, "Failed to purge cache", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "purged", "keys": purged})
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid tenant ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func generateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
