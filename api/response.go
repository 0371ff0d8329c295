package api

import (
	"errors"
	"net/http"

	"awn/models"
	"awn/services"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every JSON reply
type Response struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, Response{Error: message})
}

// statusFor maps a service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrAlertNotFound),
		errors.Is(err, services.ErrNotMonitoring):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, services.ErrConfirmationNotRequired),
		errors.Is(err, services.ErrInvalidOutcome),
		errors.Is(err, models.ErrInvalidSafeZone):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrSensorUnavailable),
		errors.Is(err, services.ErrMonitorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the mapped status. A current record returned next to
// a conflict is included so the caller can show the winning decision.
func writeError(c *gin.Context, err error, current *models.AlertEvent) {
	status := statusFor(err)
	resp := Response{Error: err.Error()}
	if current != nil && (status == http.StatusConflict || status == http.StatusUnprocessableEntity) {
		resp.Data = current
	}
	c.JSON(status, resp)
}
