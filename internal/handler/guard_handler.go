package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"api-guard/internal/service"
)

// GuardHandler exposes the guard's inspection and admin surface over HTTP.
// The execution guard itself is a library API; these routes only surface
// decisions, statistics, and compliance data.
type GuardHandler struct {
	limiter *service.RateLimiter
	scorer  *service.ComplianceScorer
	logger  *zap.Logger
}

// NewGuardHandler creates a new guard handler
func NewGuardHandler(limiter *service.RateLimiter, scorer *service.ComplianceScorer, logger *zap.Logger) *GuardHandler {
	return &GuardHandler{
		limiter: limiter,
		scorer:  scorer,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all guard routes
func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/usage", h.GetUsageStatistics)
		r.Get("/quota", h.CheckQuota)
		r.Get("/compliance", h.GetComplianceStatus)
		r.Get("/violations", h.GetViolations)
		r.Post("/violations", h.RecordViolation)
		r.Delete("/limits", h.ResetRateLimits)
	})
	router.Get("/compliance/report", h.GetComplianceReport)
}

// CheckQuota returns the current rate limit decision for an endpoint,
// without consuming quota.
func (h *GuardHandler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(service.ErrInvalidInput, "endpoint query parameter is required"))
		return
	}

	decision, err := h.limiter.CheckQuota(r.Context(), userID, endpoint)
	if err != nil {
		h.writeError(w, err, "failed to check quota")
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))
	if decision.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
	}

	h.writeJSON(w, http.StatusOK, successResponse(decision, ""))
}

// GetUsageStatistics returns the per-endpoint and global usage snapshot.
func (h *GuardHandler) GetUsageStatistics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	stats, err := h.limiter.UsageStatistics(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to load usage statistics")
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse(stats, ""))
}

// GetComplianceStatus returns the on-demand compliance score for a user.
func (h *GuardHandler) GetComplianceStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	status, err := h.scorer.ComplianceStatus(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to compute compliance status")
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse(status, ""))
}

// ViolationRequest is the payload for reporting a violation.
type ViolationRequest struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

// RecordViolation reports a compliance violation for a user.
func (h *GuardHandler) RecordViolation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req ViolationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(err, "invalid request body"))
		return
	}
	if req.Type == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse(service.ErrInvalidInput, "violation type is required"))
		return
	}

	if err := h.scorer.RecordViolation(r.Context(), userID, req.Type, req.Details); err != nil {
		h.writeError(w, err, "failed to record violation")
		return
	}

	h.logger.Info("violation recorded via API",
		zap.String("user_id", userID),
		zap.String("type", req.Type))
	h.writeJSON(w, http.StatusCreated, successResponse(nil, "violation recorded"))
}

// GetViolations lists retained violations for a user.
func (h *GuardHandler) GetViolations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	violations, err := h.scorer.Violations(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "failed to list violations")
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse(violations, ""))
}

// ResetRateLimits clears all usage counters for a user (admin override).
func (h *GuardHandler) ResetRateLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.limiter.ResetUserRateLimits(r.Context(), userID); err != nil {
		h.writeError(w, err, "failed to reset rate limits")
		return
	}

	h.logger.Info("rate limits reset via API", zap.String("user_id", userID))
	h.writeJSON(w, http.StatusOK, successResponse(nil, fmt.Sprintf("rate limits reset for user %s", userID)))
}

// GetComplianceReport returns the sampled aggregate compliance report.
func (h *GuardHandler) GetComplianceReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.scorer.ComplianceReport(r.Context())
	if err != nil {
		h.writeError(w, err, "failed to build compliance report")
		return
	}
	h.writeJSON(w, http.StatusOK, successResponse(report, ""))
}

// HealthCheck reports store connectivity and active-user count.
func (h *GuardHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.limiter.HealthStatus(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, successResponse(status, ""))
}

func (h *GuardHandler) writeError(w http.ResponseWriter, err error, message string) {
	var storeErr *service.StoreError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		h.writeJSON(w, http.StatusBadRequest, errorResponse(err, message))
	case errors.As(err, &storeErr):
		// Store outages fail closed
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse(err, message))
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse(err, message))
	}
}

func (h *GuardHandler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
