package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cypherspark/wa-gateway/internal/config"
	"github.com/Cypherspark/wa-gateway/internal/core"
	"github.com/Cypherspark/wa-gateway/internal/engine"
	"github.com/Cypherspark/wa-gateway/internal/metrics"
	"github.com/Cypherspark/wa-gateway/internal/sessions"
)

type Server struct {
	Store  *core.Store
	Engine *engine.Engine
	Pool   *sessions.StorePool
	Pacing config.PacingConfig
}

func NewServer(store *core.Store, eng *engine.Engine, pool *sessions.StorePool, pacing config.PacingConfig) *Server {
	return &Server{Store: store, Engine: eng, Pool: pool, Pacing: pacing}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/tenants", s.createTenant)
	r.Post("/tenants/{id}/allowances", s.grantAllowance)
	r.Get("/tenants/{id}/quota", s.getQuota)

	r.Post("/sessions", s.registerSession)
	r.Post("/sessions/{id}/status", s.setSessionStatus)
	r.Get("/sessions", s.listSessions)

	r.Post("/batches", s.submitBatch)
	r.Get("/batches", s.listBatches)
	r.Get("/batches/{id}", s.getBatch)
	r.Get("/batches/{id}/items", s.listItems)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.CreateTenant(r.Context(), in.Name)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "name": in.Name})
}

func (s *Server) grantAllowance(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	var in struct {
		Units      int       `json:"units"`
		ValidUntil time.Time `json:"valid_until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Units <= 0 {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.GrantAllowance(r.Context(), tenantID, in.Units, in.ValidUntil)
	if err != nil {
		writeJSON(w, 400, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")
	a, err := s.Store.ActiveAllowance(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, core.ErrNoActiveAllowance) {
			writeJSON(w, 404, map[string]string{"error": "no_active_allowance"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"remaining": a.Remaining, "valid_until": a.WindowEnd})
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TenantID  string `json:"tenant_id"`
		Address   string `json:"address"`
		Shareable bool   `json:"shareable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.TenantID == "" || in.Address == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	id, err := s.Store.RegisterSession(r.Context(), in.TenantID, in.Address, in.Shareable)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	s.Pool.Invalidate(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) setSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		(in.Status != core.SessionActive && in.Status != core.SessionInactive) {
		writeJSON(w, 400, map[string]string{"error": "invalid_status"})
		return
	}
	if err := s.Store.SetSessionStatus(r.Context(), id, in.Status); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, 404, map[string]string{"error": "session_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	s.Pool.Invalidate(r.Context())
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, 400, map[string]string{"error": "tenant_id_required"})
		return
	}
	items, err := s.Store.EligibleSessions(r.Context(), tenantID)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TenantID   string       `json:"tenant_id"`
		Recipients []string     `json:"recipients"`
		Payload    core.Payload `json:"payload"`
		Pacing     *struct {
			BaseMS   int64 `json:"base_delay_ms"`
			JitterMS int64 `json:"jitter_ms"`
		} `json:"pacing,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.TenantID == "" || in.Payload.Text == "" {
		writeJSON(w, 400, map[string]string{"error": "invalid_body"})
		return
	}
	if len(in.Recipients) == 0 {
		writeJSON(w, 400, map[string]string{"error": "empty_recipients"})
		return
	}
	if len(in.Recipients) > s.Pacing.MaxRecipients {
		writeJSON(w, 400, map[string]string{"error": "too_many_recipients"})
		return
	}

	pc := core.Pacing{Base: s.Pacing.DefaultBase, Jitter: s.Pacing.DefaultJitter}
	if in.Pacing != nil {
		pc.Base = time.Duration(in.Pacing.BaseMS) * time.Millisecond
		pc.Jitter = time.Duration(in.Pacing.JitterMS) * time.Millisecond
	}

	receipt, err := s.Engine.Submit(r.Context(), engine.SubmitRequest{
		TenantID:   in.TenantID,
		Recipients: in.Recipients,
		Payload:    in.Payload,
		Pacing:     pc,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInsufficientQuota), errors.Is(err, core.ErrNoActiveAllowance):
			metrics.BatchAdmission.WithLabelValues("insufficient_quota").Inc()
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_quota"})
		case errors.Is(err, engine.ErrNoSessionsAvailable):
			metrics.BatchAdmission.WithLabelValues("no_sessions").Inc()
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no_sessions_available"})
		default:
			metrics.BatchAdmission.WithLabelValues("error").Inc()
			writeJSON(w, 500, map[string]string{"error": err.Error()})
		}
		return
	}
	metrics.BatchAdmission.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":                         receipt.BatchID,
		"total_items":                receipt.TotalItems,
		"estimated_duration_seconds": int(receipt.EstimatedDuration / time.Second),
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.Engine.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeJSON(w, 404, map[string]string{"error": "batch_not_found"})
			return
		}
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, 400, map[string]string{"error": "tenant_id_required"})
		return
	}
	var status *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListBatches(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.Store.ListItems(r.Context(), id)
	if err != nil {
		writeJSON(w, 500, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}
