package services

import (
	"context"
	"fmt"

	"awn/config"
	"awn/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier POSTs every alert notice to an external endpoint, e.g. a
// nurse-call bridge
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// WebhookPayload is the body sent to the webhook endpoint
type WebhookPayload struct {
	Action   models.NoticeAction `json:"action"`
	Severity string              `json:"severity"`
	Message  string              `json:"message"`
	Alert    *models.AlertEvent  `json:"alert"`
}

func NewWebhookNotifier(cfg *config.Config, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(cfg.WebhookTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "AWN-Monitor/1.0")

	return &WebhookNotifier{
		client: client,
		url:    cfg.WebhookURL,
		logger: logger,
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// severity ranks a notice for the receiving side
func severity(notice models.AlertNotice) string {
	if notice.Action == models.AlertResolved {
		return "info"
	}
	switch notice.Alert.Type {
	case models.FallDetected, models.GeofenceExit:
		return "critical"
	default:
		return "info"
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, notice models.AlertNotice) error {
	payload := WebhookPayload{
		Action:   notice.Action,
		Severity: severity(notice),
		Message:  notice.Alert.DisplayMessage(),
		Alert:    notice.Alert,
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", notice.Alert.ID+":"+string(notice.Action)).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		w.logger.Error("Failed to send webhook",
			zap.Error(err),
			zap.String("alert_id", notice.Alert.ID),
			zap.String("url", w.url))
		return fmt.Errorf("failed to send webhook: %w", err)
	}

	if resp.IsSuccess() {
		w.logger.Info("Webhook sent successfully",
			zap.String("alert_id", notice.Alert.ID),
			zap.String("severity", payload.Severity),
			zap.Int("status_code", resp.StatusCode()))
		return nil
	}

	w.logger.Error("Webhook endpoint returned error",
		zap.String("alert_id", notice.Alert.ID),
		zap.Int("status_code", resp.StatusCode()),
		zap.String("status", resp.Status()))
	return fmt.Errorf("webhook endpoint error: %s", resp.Status())
}
