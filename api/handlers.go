package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"awn/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultAlertLimit = 50

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_patients": len(s.monitor.ActivePatients()),
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) listPatients(c *gin.Context) {
	ids := s.monitor.ActivePatients()
	statuses := make([]models.MonitoringStatus, 0, len(ids))
	for _, id := range ids {
		if status, ok := s.monitor.Status(id); ok {
			statuses = append(statuses, status)
		}
	}
	success(c, http.StatusOK, statuses)
}

func (s *Server) getStatus(c *gin.Context) {
	status, ok := s.monitor.Status(c.Param("patientId"))
	if !ok {
		// An idle patient still has a well-defined snapshot
		c.JSON(http.StatusNotFound, Response{Error: "patient is not being monitored", Data: status})
		return
	}
	success(c, http.StatusOK, status)
}

func (s *Server) startMonitoring(c *gin.Context) {
	patientID := c.Param("patientId")
	status, err := s.monitor.StartMonitoring(c.Request.Context(), patientID)
	if err != nil {
		s.logger.Error("Start monitoring request failed",
			zap.String("patient_id", patientID),
			zap.Error(err))
		writeError(c, err, nil)
		return
	}
	success(c, http.StatusOK, status)
}

func (s *Server) stopMonitoring(c *gin.Context) {
	patientID := c.Param("patientId")
	if err := s.monitor.StopMonitoring(patientID); err != nil {
		writeError(c, err, nil)
		return
	}
	status, _ := s.monitor.Status(patientID)
	success(c, http.StatusOK, status)
}

func (s *Server) refreshSafeZone(c *gin.Context) {
	zone, err := s.monitor.RefreshSafeZone(c.Request.Context(), c.Param("patientId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, Response{Data: gin.H{"safe_zone": zone}})
}

func (s *Server) listAlerts(c *gin.Context) {
	pendingOnly := false
	if raw := c.Query("pending"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "pending must be a boolean")
			return
		}
		pendingOnly = v
	}

	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	alerts, err := s.monitor.ListAlerts(c.Request.Context(), c.Param("patientId"), pendingOnly, limit)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if alerts == nil {
		alerts = []*models.AlertEvent{}
	}
	success(c, http.StatusOK, alerts)
}

type confirmRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (s *Server) confirmAlert(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "outcome is required")
		return
	}

	outcome := models.ConfirmationStatus(strings.ToUpper(strings.TrimSpace(req.Outcome)))
	alert, err := s.monitor.Confirm(c.Request.Context(), c.Param("alertId"), outcome)
	if err != nil {
		writeError(c, err, alert)
		return
	}
	success(c, http.StatusOK, alert)
}

func (s *Server) markRead(c *gin.Context) {
	alert, err := s.monitor.MarkRead(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, http.StatusOK, alert)
}

func (s *Server) listDevices(c *gin.Context) {
	if s.devices == nil {
		success(c, http.StatusOK, []models.DeviceLink{})
		return
	}
	success(c, http.StatusOK, s.devices.Devices())
}
