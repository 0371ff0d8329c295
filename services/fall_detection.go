package services

import (
	"context"
	"math"
	"sync"
	"time"

	"awn/config"
	"awn/models"

	"go.uber.org/zap"
)

// FallDetector turns acceleration spikes into fall alerts, at most one per
// cooldown window per patient
type FallDetector struct {
	patientID       string
	threshold       float64
	cooldown        time.Duration
	locationTimeout time.Duration
	writeTimeout    time.Duration

	gate      *DebounceGate
	location  LocationProvider
	lifecycle *AlertLifecycleManager
	clock     Clock
	logger    *zap.Logger

	inflight sync.WaitGroup
}

func NewFallDetector(cfg *config.Config, patientID string, gate *DebounceGate, location LocationProvider, lifecycle *AlertLifecycleManager, clock Clock, logger *zap.Logger) *FallDetector {
	if clock == nil {
		clock = SystemClock
	}
	return &FallDetector{
		patientID:       patientID,
		threshold:       cfg.FallThresholdG,
		cooldown:        cfg.FallCooldown,
		locationTimeout: cfg.FallLocationTimeout,
		writeTimeout:    cfg.StoreWriteTimeout,
		gate:            gate,
		location:        location,
		lifecycle:       lifecycle,
		clock:           clock,
		logger:          logger.With(zap.String("patient_id", patientID)),
	}
}

func (d *FallDetector) gateKey() string {
	return "fall:" + d.patientID
}

// OnMotionSample evaluates one sample and reports whether it started a fall
// alert. The alert is written asynchronously so the sample path never waits
// on the location lookup or the store.
func (d *FallDetector) OnMotionSample(ctx context.Context, sample models.Acceleration) bool {
	magnitude := sample.Magnitude()
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		d.logger.Warn("Dropping invalid motion sample",
			zap.Float64("x", sample.X),
			zap.Float64("y", sample.Y),
			zap.Float64("z", sample.Z))
		return false
	}

	if magnitude <= d.threshold {
		return false
	}

	now := d.clock.Now()
	if !d.gate.ShouldFire(d.gateKey(), d.cooldown, now) {
		d.logger.Debug("Fall candidate suppressed by cooldown",
			zap.Float64("magnitude_g", magnitude))
		return false
	}

	d.logger.Warn("Fall detected",
		zap.Float64("magnitude_g", magnitude),
		zap.Float64("threshold_g", d.threshold))

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.raise(context.WithoutCancel(ctx), now)
	}()
	return true
}

// Wait blocks until every in-flight fall alert has been written or dropped
func (d *FallDetector) Wait() {
	d.inflight.Wait()
}

func (d *FallDetector) raise(ctx context.Context, at time.Time) {
	alert := models.NewAlertEvent(d.patientID, models.FallDetected, at, d.resolveLocation(ctx))

	wctx, cancel := context.WithTimeout(ctx, d.writeTimeout)
	defer cancel()

	if _, err := d.lifecycle.Raise(wctx, alert); err != nil {
		d.logger.Error("Dropping fall alert",
			zap.String("alert_type", string(models.FallDetected)),
			zap.Error(err))
	}
}

// resolveLocation returns nil when no fix arrives in time
func (d *FallDetector) resolveLocation(ctx context.Context) *models.Coordinate {
	lctx, cancel := context.WithTimeout(ctx, d.locationTimeout)
	defer cancel()

	coord, err := d.location.CurrentLocation(lctx, d.locationTimeout)
	if err != nil {
		d.logger.Warn("Raising fall alert without location", zap.Error(err))
		return nil
	}
	if !coord.IsValid() {
		d.logger.Warn("Raising fall alert without location, fix out of range",
			zap.Float64("latitude", coord.Latitude),
			zap.Float64("longitude", coord.Longitude))
		return nil
	}
	return &coord
}
