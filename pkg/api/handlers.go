package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arome3/vigil/pkg/store"
)

// submitAlert ingests an alert. By default the alert is written to the alert
// index for the watcher to pick up and a 202 is returned. With ?sync=1 the
// alert is claimed and orchestrated inline, and the terminal outcome is the
// response body.
func (s *Server) submitAlert(c *gin.Context) {
	var raw store.Doc
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if severity, _ := raw["severity"].(string); severity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "severity is required"})
		return
	}

	alertID, _ := raw["alert_id"].(string)
	if alertID == "" {
		alertID = "AL-" + strings.ToUpper(uuid.NewString()[:8])
		raw["alert_id"] = alertID
	}
	if _, ok := raw["@timestamp"]; !ok {
		raw["@timestamp"] = s.clock().UTC().Format(time.RFC3339Nano)
	}

	if _, err := s.store.Index(c.Request.Context(), store.IndexAlerts, alertID, raw); err != nil {
		s.logger.Error("Alert ingest write failed", "alert_id", alertID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store alert"})
		return
	}

	if c.Query("sync") != "1" {
		c.JSON(http.StatusAccepted, gin.H{"alert_id": alertID, "status": "queued"})
		return
	}

	// Synchronous mode claims the alert first so the watcher never processes
	// it a second time. A lost claim means another poller already has it.
	err := s.store.Create(c.Request.Context(), store.IndexAlertClaims, alertID, store.Doc{
		"alert_id":   alertID,
		"claimed_at": s.clock().UTC().Format(time.RFC3339Nano),
		"claimed_by": "api",
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "alert already claimed", "alert_id": alertID})
		return
	}
	if err != nil {
		s.logger.Error("Alert claim write failed", "alert_id", alertID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim alert"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()
	resp, err := s.handler.HandleAlert(ctx, raw)
	if err != nil {
		s.logger.Error("Synchronous orchestration failed", "alert_id", alertID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "alert_id": alertID})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type approvalRequest struct {
	IncidentID string `json:"incident_id" binding:"required"`
	ActionID   string `json:"action_id"`
	Value      string `json:"value" binding:"required"`
	User       string `json:"user"`
}

// recordApproval records a human approval decision. Plan-level decisions
// carry no action_id; per-action decisions name the action they answer.
func (s *Server) recordApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	value := strings.ToLower(req.Value)
	switch value {
	case "approve", "approved", "reject", "rejected":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "value must be one of approve, approved, reject, rejected",
		})
		return
	}

	user := req.User
	if user == "" {
		user = "api"
	}

	doc := store.Doc{
		"incident_id": req.IncidentID,
		"value":       value,
		"user":        user,
		"@timestamp":  s.clock().UTC().Format(time.RFC3339Nano),
	}
	if req.ActionID != "" {
		doc["action_id"] = req.ActionID
	}

	id, err := s.store.Index(c.Request.Context(), store.IndexApprovalResponses, "", doc)
	if err != nil {
		s.logger.Error("Approval write failed", "incident_id", req.IncidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record decision"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"response_id": id, "status": "recorded"})
}

// getIncident returns the incident document by id.
func (s *Server) getIncident(c *gin.Context) {
	id := c.Param("id")
	res, err := s.store.Get(c.Request.Context(), store.IndexIncidents, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		s.logger.Error("Incident read failed", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read incident"})
		return
	}
	c.JSON(http.StatusOK, res.Source)
}

// getIncidentActions returns the incident's full audit trail in
// chronological order.
func (s *Server) getIncidentActions(c *gin.Context) {
	id := c.Param("id")
	rows, err := s.auditor.ForIncident(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Audit trail read failed", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": id, "actions": rows, "count": len(rows)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "vigil"})
}
