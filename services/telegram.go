package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"awn/config"
	"awn/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const callbackPrefix = "confirm"

// telegramBot is the subset of *tgbotapi.BotAPI the service uses
type telegramBot interface {
	GetMe() (tgbotapi.User, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// AlertConfirmer applies a caregiver decision to an alert
type AlertConfirmer interface {
	Confirm(ctx context.Context, alertID string, outcome models.ConfirmationStatus) (*models.AlertEvent, error)
}

// TelegramService notifies the caregiver chat and turns inline button presses
// into alert confirmations
type TelegramService struct {
	bot      telegramBot
	chatID   int64
	timezone *time.Location
	logger   *zap.Logger
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := newTelegramService(bot, chatID, logger)
	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

func newTelegramService(bot telegramBot, chatID int64, logger *zap.Logger) *TelegramService {
	return &TelegramService{
		bot:      bot,
		chatID:   chatID,
		timezone: time.Local,
		logger:   logger,
	}
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

func (ts *TelegramService) Name() string { return "telegram" }

// Notify sends raised alerts with confirmation buttons where a decision is
// pending, and a short follow-up when a pending alert is resolved
func (ts *TelegramService) Notify(_ context.Context, notice models.AlertNotice) error {
	alert := notice.Alert
	switch notice.Action {
	case models.AlertRaised:
		return ts.SendAlert(alert)
	case models.AlertResolved:
		return ts.SendStatusMessage(ts.formatResolution(alert))
	default:
		return nil
	}
}

// SendAlert posts the alert and, when it carries one, a location pin
func (ts *TelegramService) SendAlert(alert *models.AlertEvent) error {
	msg := tgbotapi.NewMessage(ts.chatID, ts.formatAlertMessage(alert))
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true
	if alert.IsPendingConfirmation() {
		msg.ReplyMarkup = confirmationKeyboard(alert.ID)
	}

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	if coord := alert.Coordinate(); coord != nil {
		if _, err := ts.bot.Send(tgbotapi.NewLocation(ts.chatID, coord.Latitude, coord.Longitude)); err != nil {
			ts.logger.Warn("Failed to send alert location",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	ts.logger.Info("Sent alert to Telegram",
		zap.String("alert_id", alert.ID),
		zap.String("patient_id", alert.PatientID),
		zap.String("alert_type", string(alert.Type)))
	return nil
}

func confirmationKeyboard(alertID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👥 With caregiver", callbackData(alertID, models.Accompanied)),
			tgbotapi.NewInlineKeyboardButtonData("🚶 Wandering", callbackData(alertID, models.Wandering)),
		),
	)
}

func callbackData(alertID string, outcome models.ConfirmationStatus) string {
	return callbackPrefix + ":" + alertID + ":" + string(outcome)
}

func parseCallbackData(data string) (string, models.ConfirmationStatus, bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != callbackPrefix || parts[1] == "" {
		return "", "", false
	}
	outcome, ok := models.ParseConfirmationStatus(parts[2])
	if !ok || !outcome.IsTerminal() {
		return "", "", false
	}
	return parts[1], outcome, true
}

// formatAlertMessage creates a mobile-friendly alert message
func (ts *TelegramService) formatAlertMessage(alert *models.AlertEvent) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s <b>%s</b> %s\n\n", alert.Type.Emoji(), strings.ToUpper(alert.Type.DisplayName()), alert.Type.Emoji()))
	sb.WriteString(fmt.Sprintf("👤 <b>Patient:</b> %s\n", html.EscapeString(alert.PatientID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", alert.Timestamp.In(ts.timezone).Format("2006-01-02 15:04:05")))

	if coord := alert.Coordinate(); coord != nil {
		sb.WriteString(fmt.Sprintf("📍 <b>Location:</b> %.6f, %.6f\n", coord.Latitude, coord.Longitude))
	} else {
		sb.WriteString("📍 <b>Location:</b> unavailable\n")
	}

	sb.WriteString(fmt.Sprintf("\n%s\n", html.EscapeString(alert.DisplayMessage())))

	if alert.IsPendingConfirmation() {
		sb.WriteString("\n💡 <b>Is the patient with a caregiver?</b>\n")
		sb.WriteString("Without an answer this will be recorded as wandering.")
	} else if alert.Type == models.FallDetected {
		sb.WriteString("\n🔴 <b>Status:</b> ATTENTION REQUIRED")
	}

	return sb.String()
}

func (ts *TelegramService) formatResolution(alert *models.AlertEvent) string {
	how := "by caregiver"
	if alert.AutoConfirmedAt != nil {
		how = "automatically"
	}
	return fmt.Sprintf("📝 <b>Alert resolved %s</b>\n\n👤 <b>Patient:</b> %s\n%s <b>Outcome:</b> %s",
		how, html.EscapeString(alert.PatientID), alert.Type.Emoji(), alert.ConfirmationStatus.DisplayName())
}

// ListenForConfirmations consumes callback queries until ctx is done
func (ts *TelegramService) ListenForConfirmations(ctx context.Context, confirmer AlertConfirmer) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := ts.bot.GetUpdatesChan(u)

	ts.logger.Info("Listening for Telegram confirmations")

	for {
		select {
		case <-ctx.Done():
			ts.bot.StopReceivingUpdates()
			ts.logger.Info("Telegram confirmation listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.CallbackQuery != nil {
				ts.handleCallback(ctx, update.CallbackQuery, confirmer)
			}
		}
	}
}

func (ts *TelegramService) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery, confirmer AlertConfirmer) {
	if query.Message == nil || query.Message.Chat == nil || query.Message.Chat.ID != ts.chatID {
		ts.logger.Warn("Ignoring callback from unexpected chat", zap.String("callback_id", query.ID))
		return
	}

	alertID, outcome, ok := parseCallbackData(query.Data)
	if !ok {
		ts.answer(query.ID, "Unknown action")
		return
	}

	alert, err := confirmer.Confirm(ctx, alertID, outcome)
	switch {
	case err == nil:
		ts.answer(query.ID, "Recorded: "+outcome.DisplayName())
	case errors.Is(err, ErrAlreadyResolved) && alert != nil:
		ts.answer(query.ID, "Already resolved: "+alert.ConfirmationStatus.DisplayName())
	default:
		ts.logger.Error("Telegram confirmation failed",
			zap.String("alert_id", alertID),
			zap.Error(err))
		ts.answer(query.ID, "Could not record the answer, please retry")
		return
	}

	// either way the buttons are stale now
	stale := tgbotapi.NewEditMessageReplyMarkup(ts.chatID, query.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	if _, err := ts.bot.Request(stale); err != nil {
		ts.logger.Warn("Failed to clear confirmation buttons", zap.Error(err))
	}
}

func (ts *TelegramService) answer(callbackID, text string) {
	if _, err := ts.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		ts.logger.Warn("Failed to answer callback query", zap.Error(err))
	}
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"

	_, err := ts.bot.Send(msg)
	return err
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage(patients []string) error {
	watching := "none yet"
	if len(patients) > 0 {
		watching = html.EscapeString(strings.Join(patients, ", "))
	}
	message := "🟢 <b>Awn Monitoring Service Started</b>\n\n" +
		"📡 Listening for watch location and motion\n" +
		"🤖 Telegram notifications active\n" +
		fmt.Sprintf("👀 Monitoring: %s\n\n", watching) +
		"✅ System is ready and operational!"

	return ts.SendStatusMessage(message)
}

// SendDeviceStaleAlert reports a watch that stopped sending samples
func (ts *TelegramService) SendDeviceStaleAlert(patientID string, lastSeen time.Time, since time.Duration) error {
	var sb strings.Builder

	sb.WriteString("⚠️ <b>WATCH NOT REPORTING</b> ⚠️\n\n")
	sb.WriteString(fmt.Sprintf("👤 <b>Patient:</b> %s\n", html.EscapeString(patientID)))
	sb.WriteString(fmt.Sprintf("🕐 <b>Last Seen:</b> %s\n", lastSeen.In(ts.timezone).Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("⏱️ <b>Silent For:</b> %s\n\n", formatDuration(since)))
	sb.WriteString("💡 <b>Action Required:</b>\n")
	sb.WriteString("Location may be out of date. Please check the watch is worn, charged and connected.")

	if err := ts.SendStatusMessage(sb.String()); err != nil {
		return fmt.Errorf("error sending device stale alert: %w", err)
	}

	ts.logger.Info("Sent device stale alert",
		zap.String("patient_id", patientID),
		zap.Duration("time_since_last_seen", since))
	return nil
}

// SendDeviceRecoveredAlert reports a watch that resumed sending samples
func (ts *TelegramService) SendDeviceRecoveredAlert(patientID string, downtime time.Duration) error {
	message := fmt.Sprintf("✅ <b>WATCH RECONNECTED</b> ✅\n\n"+
		"👤 <b>Patient:</b> %s\n"+
		"⏱️ <b>Downtime:</b> %s\n\n"+
		"🟢 <b>Status:</b> DEVICE ONLINE", html.EscapeString(patientID), formatDuration(downtime))

	if err := ts.SendStatusMessage(message); err != nil {
		return fmt.Errorf("error sending device recovery alert: %w", err)
	}

	ts.logger.Info("Sent device recovery alert",
		zap.String("patient_id", patientID),
		zap.Duration("down_duration", downtime))
	return nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
