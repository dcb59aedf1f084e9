// Package gateway serves the tenant-facing API: search and mutate requests
// enter here, get authenticated, and flow through the admission pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nucleus-ads/adsgateway/internal/ads"
	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/auth"
	"github.com/nucleus-ads/adsgateway/internal/db"
	"github.com/nucleus-ads/adsgateway/internal/models"
	"github.com/nucleus-ads/adsgateway/internal/quota"
)

type Handler struct {
	db      *db.DB
	manager *ads.Manager
	quota   quota.Governor
}

func NewHandler(database *db.DB, manager *ads.Manager, governor quota.Governor) *Handler {
	return &Handler{
		db:      database,
		manager: manager,
		quota:   governor,
	}
}

// RegisterRoutes mounts the tenant API on an authenticated subrouter.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/search", h.Search).Methods("POST")
	router.HandleFunc("/mutate", h.Mutate).Methods("POST")
	router.HandleFunc("/quota", h.Quota).Methods("GET")
}

type searchRequest struct {
	Query        string `json:"query"`
	PageSize     int    `json:"page_size"`
	Urgency      int    `json:"urgency"`
	CacheEnabled *bool  `json:"cache_enabled"`
	ServiceClass string `json:"service_class"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body"))
		return
	}
	if req.Query == "" {
		writeError(w, apierr.Validation("query is required"))
		return
	}

	// Caching is opt-out: reads are cached unless the caller disables it.
	cacheEnabled := true
	if req.CacheEnabled != nil {
		cacheEnabled = *req.CacheEnabled
	}

	value, hit, err := h.manager.Search(r.Context(), ads.SearchRequest{
		TenantID:     strconv.Itoa(tenant.ID),
		Tier:         tenant.Tier,
		Query:        req.Query,
		PageSize:     req.PageSize,
		Urgency:      req.Urgency,
		CacheEnabled: cacheEnabled,
		ServiceClass: req.ServiceClass,
	})
	if err != nil {
		e := apierr.From(err)
		writeError(w, e)
		h.logAccess(tenant.ID, r.URL.Path, r.Method, e.HTTPStatus, start, 0, false)
		return
	}

	units := int64(ads.SearchCostUnits)
	if hit {
		units = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Status", cacheStatus(hit))
	w.Write(value)
	h.logAccess(tenant.ID, r.URL.Path, r.Method, http.StatusOK, start, units, hit)
}

type mutateRequest struct {
	Operations    []map[string]any `json:"operations"`
	OperationType string           `json:"operation_type"`
	Urgency       int              `json:"urgency"`
	ValidateOnly  bool             `json:"validate_only"`
}

func (h *Handler) Mutate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Validation("invalid request body"))
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, apierr.Validation("operations are required"))
		return
	}

	tenantID := strconv.Itoa(tenant.ID)
	value, err := h.manager.Mutate(r.Context(), ads.MutateRequest{
		TenantID:      tenantID,
		Tier:          tenant.Tier,
		Operations:    req.Operations,
		OperationType: req.OperationType,
		Urgency:       req.Urgency,
		ValidateOnly:  req.ValidateOnly,
	})
	if err != nil {
		e := apierr.From(err)
		writeError(w, e)
		h.logAccess(tenant.ID, r.URL.Path, r.Method, e.HTTPStatus, start, 0, false)
		return
	}

	// A committed mutation makes cached reads stale for this tenant.
	if !req.ValidateOnly {
		go func() {
			if _, err := h.manager.InvalidateTenant(context.Background(), tenantID); err != nil {
				log.Printf("cache invalidation failed for tenant %s: %v", tenantID, err)
			}
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
	h.logAccess(tenant.ID, r.URL.Path, r.Method, http.StatusOK, start,
		int64(ads.MutateCostPerOp*len(req.Operations)), false)
}

// Quota reports the calling tenant's own remaining budget.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	status, err := h.quota.TenantStatus(r.Context(), strconv.Itoa(tenant.ID))
	if err != nil {
		writeError(w, apierr.From(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// tenant resolves the authenticated caller to its registry row. A false
// return means the response has already been written.
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	claims, ok := auth.GetTenantFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	tenant, err := h.db.GetTenantByAPIKey(r.Context(), claims.APIKey)
	if err != nil {
		log.Printf("tenant lookup failed for id %d: %v", claims.TenantID, err)
		writeError(w, apierr.NotFound("tenant"))
		return nil, false
	}
	return tenant, true
}

func (h *Handler) logAccess(tenantID int, endpoint, method string, statusCode int, start time.Time, units int64, cacheHit bool) {
	accessLog := &models.AccessLog{
		TenantID:       tenantID,
		Endpoint:       endpoint,
		Method:         method,
		StatusCode:     statusCode,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
		QuotaUnits:     units,
		CacheHit:       cacheHit,
	}
	go func() {
		if err := h.db.LogAccess(context.Background(), accessLog); err != nil {
			log.Printf("access log write failed: %v", err)
		}
	}()
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func writeError(w http.ResponseWriter, e *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]*apierr.Error{"error": e})
}
