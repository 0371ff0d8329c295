package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"awn/api"
	"awn/config"
	"awn/log"
	"awn/services"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.GetInstance().Fatal("Failed to load config", zap.Error(err))
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		panic("Failed to load " + cfg.Timezone + " timezone: " + err.Error())
	}
	time.Local = loc

	// Initialize structured logger
	logger := log.Configure(log.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	store, closeStore, err := services.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize alert store", zap.String("backend", cfg.AlertStore), zap.Error(err))
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Error closing alert store", zap.Error(err))
		}
	}()

	gateway, err := services.NewMQTTGateway(cfg, services.SystemClock, logger)
	if err != nil {
		logger.Fatal("Failed to initialize MQTT gateway", zap.Error(err))
	}
	defer gateway.Close()

	var telegramService *services.TelegramService
	if cfg.TelegramBotToken != "" {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
	}

	lifecycle := services.NewAlertLifecycleManager(cfg, store, services.SystemClock, logger)
	monitor := services.NewMonitor(cfg, gateway, store, lifecycle, services.SystemClock, logger)

	// The interface stays nil when Telegram is off
	var alerter services.DeviceAlerter
	if telegramService != nil {
		alerter = telegramService
	}
	health := services.NewDeviceHealthService(cfg, alerter, services.SystemClock, logger)
	gateway.SetSampleHook(health.Observe)
	go health.Run(ctx)

	var notifiers []services.AlertNotifier
	if telegramService != nil {
		notifiers = append(notifiers, telegramService)
	}
	if cfg.RabbitMQURL != "" {
		publisher, err := services.NewAlertPublisher(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ publisher", zap.Error(err))
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookNotifier(cfg, logger))
		logger.Info("Webhook notifier initialized", zap.String("url", cfg.WebhookURL))
	}

	dispatcherDone := make(chan struct{})
	notices, _ := monitor.SubscribeAlerts(64)
	dispatcher := services.NewAlertDispatcher(notifiers, cfg.StoreWriteTimeout, logger)
	go func() {
		dispatcher.Run(context.WithoutCancel(ctx), notices)
		close(dispatcherDone)
	}()

	if telegramService != nil {
		go telegramService.ListenForConfirmations(ctx, monitor)
	}

	if cfg.RedisAddr != "" {
		cache, err := services.NewStatusCache(cfg, logger)
		if err != nil {
			logger.Warn("Status cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			statuses, unsubscribe := monitor.SubscribeStatus(cfg.StatusBufferSize)
			defer unsubscribe()
			go cache.Run(ctx, statuses)
		}
	}

	// Timers are lost on restart, the sweep resolves anything that expired meanwhile
	sweep := func() {
		sweepCtx, done := context.WithTimeout(ctx, time.Minute)
		defer done()
		if _, err := lifecycle.SweepExpired(sweepCtx); err != nil {
			logger.Warn("Pending alert sweep failed", zap.Error(err))
		}
	}
	sweep()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, sweep); err != nil {
		logger.Fatal("Invalid sweep schedule", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	scheduler.Start()

	server := api.NewServer(monitor, health, cfg.StatusBufferSize, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	for _, patientID := range cfg.MonitorPatientIDs {
		if _, err := monitor.StartMonitoring(ctx, patientID); err != nil {
			logger.Error("Failed to auto-start monitoring",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
	}

	// Send startup notification
	if telegramService != nil {
		if err := telegramService.SendStartupMessage(monitor.ActivePatients()); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	logger.Info("AWN patient monitor started",
		zap.String("alert_store", cfg.AlertStore),
		zap.Strings("patients", monitor.ActivePatients()),
		zap.Int("notifiers", len(notifiers)),
		zap.Duration("geofence_interval", cfg.GeofenceInterval),
		zap.Float64("fall_threshold_g", cfg.FallThresholdG),
		zap.Duration("auto_confirm_delay", cfg.AutoConfirmDelay),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	<-scheduler.Stop().Done()
	monitor.Shutdown()
	cancel()

	// Shutdown closes the notice stream, let queued notices drain
	select {
	case <-dispatcherDone:
		delivered, failed := dispatcher.Stats()
		logger.Info("Alert dispatcher drained",
			zap.Int64("delivered", delivered),
			zap.Int64("failed", failed))
	case <-shutdownCtx.Done():
		logger.Warn("Cleanup timeout, dropping queued alert notices")
	}

	logger.Info("AWN patient monitor stopped")
}
