package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/activity"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/orchestrator"
	"github.com/mbd888/sentinel/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, ready, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	switch {
	case !ready:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !healthy:
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
		"breakers":  s.breaker.Snapshot(),
		"realtime":  s.realtimeHub.Stats(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if _, ready, checks := s.health.CheckAll(c.Request.Context()); !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Analysis
// -----------------------------------------------------------------------------

func (s *Server) triggerAnalysis(c *gin.Context) {
	ack, err := s.orch.Trigger(c.Request.Context(), orchestrator.SourceManual)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		c.JSON(http.StatusConflict, ack)
	case err != nil:
		logging.L(c.Request.Context()).Error("failed to start analysis cycle", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "cycle_unavailable",
			"message": "could not start analysis cycle",
		})
	default:
		c.JSON(http.StatusAccepted, ack)
	}
}

func (s *Server) analysisStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}

// -----------------------------------------------------------------------------
// Escalations and users
// -----------------------------------------------------------------------------

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be a positive integer",
		})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (s *Server) listEscalations(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := s.recorder.List(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list escalations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list escalations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": records, "count": len(records)})
}

func (s *Server) listUserEscalations(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := s.recorder.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list user escalations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list escalations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": records, "count": len(records)})
}

func (s *Server) listUsers(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	profiles, err := s.activity.ListProfiles(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list profiles", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": profiles, "count": len(profiles)})
}

func (s *Server) getUser(c *gin.Context) {
	prof, err := s.activity.GetProfile(c.Request.Context(), c.Param("id"))
	if errors.Is(err, activity.ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no profile for this user"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile":   prof,
		"threshold": s.cfg.Scoring.Threshold,
		"flagged":   prof.Score >= s.cfg.Scoring.Threshold,
	})
}

func (s *Server) resetUser(c *gin.Context) {
	prof, err := s.orch.ResetUser(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, activity.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no profile for this user"})
	case errors.Is(err, activity.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "profile changed concurrently, retry"})
	case err != nil:
		logging.L(c.Request.Context()).Error("failed to reset profile", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to reset profile"})
	default:
		c.JSON(http.StatusOK, gin.H{"profile": prof})
	}
}

// -----------------------------------------------------------------------------
// Ingest
// -----------------------------------------------------------------------------

type ingestRequest struct {
	UserID    string     `json:"userId"`
	Prompt    string     `json:"prompt"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ingestEvent records one query the protected service received. The
// gateway calls this from its logging path; timestamps default to now.
func (s *Server) ingestEvent(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a JSON query event"})
		return
	}

	req.Prompt = validation.SanitizeString(req.Prompt, validation.MaxPromptLength)
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
		validation.Required("prompt", req.Prompt),
	); len(errs) > 0 {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	ev := activity.QueryEvent{UserID: req.UserID, Prompt: req.Prompt, Timestamp: time.Now().UTC()}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ev.Timestamp = req.Timestamp.UTC()
	}

	if err := s.activity.AppendEvent(c.Request.Context(), ev); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("failed").Inc()
		logging.L(c.Request.Context()).Error("failed to append query event", "user_id", ev.UserID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "failed to record event"})
		return
	}
	metrics.EventsIngestedTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
