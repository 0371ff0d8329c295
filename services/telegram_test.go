package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"awn/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testChatID = int64(4242)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	updates  chan tgbotapi.Update
	stopped  bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 4)}
}

func (b *fakeBot) GetMe() (tgbotapi.User, error) { return tgbotapi.User{UserName: "awn_bot"}, nil }

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func (b *fakeBot) Requests() []tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), b.requests...)
}

type recordingConfirmer struct {
	alert *models.AlertEvent
	err   error
	calls []string
}

func (c *recordingConfirmer) Confirm(_ context.Context, id string, outcome models.ConfirmationStatus) (*models.AlertEvent, error) {
	c.calls = append(c.calls, id+"="+string(outcome))
	return c.alert, c.err
}

func TestTelegram_PendingExitHasConfirmationButtons(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))

	require.NoError(t, ts.Notify(context.Background(), models.AlertNotice{Action: models.AlertRaised, Alert: alert}))

	require.Len(t, bot.sent, 2)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, testChatID, msg.ChatID)
	assert.Equal(t, "HTML", msg.ParseMode)
	assert.Contains(t, msg.Text, "LEFT SAFE ZONE")
	assert.Contains(t, msg.Text, "p-1")

	keyboard, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, keyboard.InlineKeyboard, 1)
	require.Len(t, keyboard.InlineKeyboard[0], 2)
	assert.Equal(t, "confirm:"+alert.ID+":ACCOMPANIED", *keyboard.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "confirm:"+alert.ID+":WANDERING", *keyboard.InlineKeyboard[0][1].CallbackData)

	_, ok = bot.sent[1].(tgbotapi.LocationConfig)
	assert.True(t, ok)
}

func TestTelegram_FallWithoutLocation(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	alert := models.NewAlertEvent("p-1", models.FallDetected, epoch, nil)

	require.NoError(t, ts.SendAlert(alert))

	require.Len(t, bot.sent, 1)
	msg := bot.sent[0].(tgbotapi.MessageConfig)
	assert.Nil(t, msg.ReplyMarkup)
	assert.Contains(t, msg.Text, "FALL DETECTED")
	assert.Contains(t, msg.Text, "unavailable")
}

func TestTelegram_ResolutionMessage(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, nil)
	alert.ConfirmationStatus = models.Wandering
	at := epoch.Add(5 * time.Minute)
	alert.AutoConfirmedAt = &at

	require.NoError(t, ts.Notify(context.Background(), models.AlertNotice{Action: models.AlertResolved, Alert: alert}))
	msg := bot.sent[0].(tgbotapi.MessageConfig)
	assert.Contains(t, msg.Text, "automatically")
	assert.Contains(t, msg.Text, "Wandering Incident")
}

func TestTelegram_EscapesPatientID(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	const patientID = "<b>p&1</b>"

	require.NoError(t, ts.SendAlert(models.NewAlertEvent(patientID, models.FallDetected, epoch, nil)))
	require.NoError(t, ts.SendDeviceStaleAlert(patientID, epoch, 3*time.Minute))
	require.NoError(t, ts.SendDeviceRecoveredAlert(patientID, time.Minute))
	require.NoError(t, ts.SendStartupMessage([]string{patientID}))

	resolved := models.NewAlertEvent(patientID, models.GeofenceExit, epoch, nil)
	resolved.ConfirmationStatus = models.Accompanied
	require.NoError(t, ts.Notify(context.Background(), models.AlertNotice{Action: models.AlertResolved, Alert: resolved}))

	require.Len(t, bot.sent, 5)
	for _, sent := range bot.sent {
		msg := sent.(tgbotapi.MessageConfig)
		assert.Contains(t, msg.Text, "&lt;b&gt;p&amp;1&lt;/b&gt;")
		assert.NotContains(t, msg.Text, patientID)
	}
}

func TestParseCallbackData(t *testing.T) {
	id, outcome, ok := parseCallbackData(callbackData("abc", models.Accompanied))
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, models.Accompanied, outcome)

	for _, bad := range []string{"", "confirm:abc", "confirm::WANDERING", "ack:abc:WANDERING", "confirm:abc:PENDING", "confirm:abc:LOST"} {
		_, _, ok := parseCallbackData(bad)
		assert.False(t, ok, bad)
	}
}

func callbackUpdate(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    data,
		Message: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func TestTelegram_CallbackConfirmsAlert(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	confirmer := &recordingConfirmer{alert: &models.AlertEvent{ConfirmationStatus: models.Accompanied}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ts.ListenForConfirmations(ctx, confirmer)
		close(done)
	}()

	bot.updates <- callbackUpdate(999, callbackData("a-1", models.Wandering))
	bot.updates <- callbackUpdate(testChatID, callbackData("a-1", models.Accompanied))

	assert.Eventually(t, func() bool { return len(bot.Requests()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"a-1=ACCOMPANIED"}, confirmer.calls)
	requests := bot.Requests()
	answer, ok := requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(answer.Text, "Recorded"))
	_, ok = requests[1].(tgbotapi.EditMessageReplyMarkupConfig)
	assert.True(t, ok)
	assert.True(t, bot.stopped)
}

func TestTelegram_CallbackAfterAutoConfirm(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	confirmer := &recordingConfirmer{
		alert: &models.AlertEvent{ConfirmationStatus: models.Wandering},
		err:   ErrAlreadyResolved,
	}

	query := callbackUpdate(testChatID, callbackData("a-1", models.Accompanied)).CallbackQuery
	ts.handleCallback(context.Background(), query, confirmer)

	requests := bot.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[0].(tgbotapi.CallbackConfig).Text, "Wandering Incident")
}

func TestTelegram_CallbackFailureKeepsButtons(t *testing.T) {
	bot := newFakeBot()
	ts := newTelegramService(bot, testChatID, zap.NewNop())
	confirmer := &recordingConfirmer{err: errBackendDown}

	query := callbackUpdate(testChatID, callbackData("a-1", models.Accompanied)).CallbackQuery
	ts.handleCallback(context.Background(), query, confirmer)

	requests := bot.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].(tgbotapi.CallbackConfig).Text, "retry")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45 seconds", formatDuration(45*time.Second))
	assert.Equal(t, "2 min 5 sec", formatDuration(125*time.Second))
	assert.Equal(t, "1 hr 30 min", formatDuration(90*time.Minute))
	assert.Equal(t, "2 days 3 hr", formatDuration(51*time.Hour))
}
