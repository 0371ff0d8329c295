package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"awn/models"

	"go.uber.org/zap"
)

// AlertDispatcher drains the alert stream into every configured notifier.
// Delivery failures are logged and counted, never fed back to the monitor.
type AlertDispatcher struct {
	notifiers []AlertNotifier
	timeout   time.Duration
	logger    *zap.Logger
	delivered atomic.Int64
	failed    atomic.Int64
}

func NewAlertDispatcher(notifiers []AlertNotifier, timeout time.Duration, logger *zap.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger,
	}
}

// Run delivers notices until the stream closes or ctx ends. Notices reach each
// notifier in stream order.
func (d *AlertDispatcher) Run(ctx context.Context, notices <-chan models.AlertNotice) {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	d.logger.Info("Alert dispatcher started", zap.Strings("notifiers", names))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Alert dispatcher stopped")
			return
		case notice, ok := <-notices:
			if !ok {
				d.logger.Info("Alert stream closed, dispatcher exiting",
					zap.Int64("delivered", d.delivered.Load()),
					zap.Int64("failed", d.failed.Load()))
				return
			}
			d.dispatch(ctx, notice)
		}
	}
}

func (d *AlertDispatcher) dispatch(ctx context.Context, notice models.AlertNotice) {
	var wg sync.WaitGroup
	for _, notifier := range d.notifiers {
		wg.Add(1)
		go func(n AlertNotifier) {
			defer wg.Done()

			notifyCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := n.Notify(notifyCtx, notice); err != nil {
				d.failed.Add(1)
				d.logger.Error("Failed to deliver alert notice",
					zap.String("notifier", n.Name()),
					zap.String("alert_id", notice.Alert.ID),
					zap.String("patient_id", notice.Alert.PatientID),
					zap.String("action", string(notice.Action)),
					zap.Error(err))
				return
			}
			d.delivered.Add(1)
		}(notifier)
	}
	wg.Wait()
}

// Stats returns the delivered and failed counts so far
func (d *AlertDispatcher) Stats() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}
