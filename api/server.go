package api

import (
	"context"
	"net/http"
	"time"

	"awn/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MonitorService is the monitoring surface the API drives
type MonitorService interface {
	StartMonitoring(ctx context.Context, patientID string) (models.MonitoringStatus, error)
	StopMonitoring(patientID string) error
	Status(patientID string) (models.MonitoringStatus, bool)
	ActivePatients() []string
	SubscribeStatus(buffer int) (<-chan models.MonitoringStatus, func())
	RefreshSafeZone(ctx context.Context, patientID string) (*models.SafeZone, error)
	Confirm(ctx context.Context, alertID string, outcome models.ConfirmationStatus) (*models.AlertEvent, error)
	MarkRead(ctx context.Context, alertID string) (*models.AlertEvent, error)
	ListAlerts(ctx context.Context, patientID string, pendingOnly bool, limit int) ([]*models.AlertEvent, error)
}

// DeviceLister reports watch link health
type DeviceLister interface {
	Devices() []models.DeviceLink
}

// Server exposes the monitor over HTTP
type Server struct {
	monitor      MonitorService
	devices      DeviceLister
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	streamBuffer int
	startedAt    time.Time
}

// NewServer builds the API. devices may be nil when device health is disabled.
func NewServer(monitor MonitorService, devices DeviceLister, streamBuffer int, logger *zap.Logger) *Server {
	return &Server{
		monitor:      monitor,
		devices:      devices,
		logger:       logger,
		streamBuffer: streamBuffer,
		startedAt:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router registers every route on a fresh gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		patients := v1.Group("/patients")
		patients.GET("", s.listPatients)
		patients.GET("/:patientId/status", s.getStatus)
		patients.POST("/:patientId/monitoring", s.startMonitoring)
		patients.DELETE("/:patientId/monitoring", s.stopMonitoring)
		patients.POST("/:patientId/safe-zone/refresh", s.refreshSafeZone)
		patients.GET("/:patientId/alerts", s.listAlerts)

		alerts := v1.Group("/alerts")
		alerts.POST("/:alertId/confirm", s.confirmAlert)
		alerts.POST("/:alertId/read", s.markRead)

		v1.GET("/devices", s.listDevices)
		v1.GET("/stream/status", s.streamStatus)
	}

	return r
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("HTTP request failed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("HTTP request rejected", fields...)
		default:
			logger.Debug("HTTP request", fields...)
		}
	}
}
