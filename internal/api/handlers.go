package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/givance/outreach/internal/models"
)

// PauseResponse is the response for POST /campaigns/{id}/pause
type PauseResponse struct {
	CampaignID    string `json:"campaign_id"`
	JobsCancelled int    `json:"jobs_cancelled"`
}

// CancelResponse is the response for POST /campaigns/{id}/cancel
type CancelResponse struct {
	CampaignID        string `json:"campaign_id"`
	MessagesCancelled int    `json:"messages_cancelled"`
}

// RetryResponse is the response for POST /messages/{id}/retry
type RetryResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// FixStuckResponse is the response for POST /maintenance/fix-stuck
type FixStuckResponse struct {
	Fixed int `json:"fixed"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Version is stamped by the build.
var Version = "dev"

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.CampaignListFilter{
		OrganizationID: q.Get("organization_id"),
		Status:         q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	campaigns, err := s.campaigns.ListCampaigns(filter)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleSchedule handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "campaign id is required")
		return
	}

	result, err := s.campaigns.ScheduleCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleScheduleReport handles GET /api/v1/campaigns/{id}/schedule
func (s *Server) handleScheduleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.campaigns.GetCampaignSchedule(id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// handlePreview handles GET /api/v1/campaigns/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.campaigns.PreviewSchedule(id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.campaigns.PauseCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, PauseResponse{CampaignID: id, JobsCancelled: n})
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.campaigns.ResumeCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := s.campaigns.CancelCampaign(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, CancelResponse{CampaignID: id, MessagesCancelled: n})
}

// handleRetry handles POST /api/v1/messages/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.campaigns.RetryMessage(id); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, RetryResponse{MessageID: id, Status: "pending"})
}

// handleFixStuck handles POST /api/v1/maintenance/fix-stuck
func (s *Server) handleFixStuck(w http.ResponseWriter, r *http.Request) {
	fixed, err := s.checker.FixStuckCampaigns(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, FixStuckResponse{Fixed: fixed})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// statusFor maps service errors to HTTP status codes by shape: unknown
// entities surface as 404, state conflicts as 409.
func statusFor(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "not in failed state"), strings.Contains(msg, "campaign") && strings.Contains(msg, "is "):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
