package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"awn/geo"
	"awn/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	patientID     = flag.String("patient", "patient-001", "Patient ID the simulated watch belongs to")
	mqttBroker    = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser      = flag.String("user", "", "MQTT username")
	mqttPass      = flag.String("pass", "", "MQTT password")
	topicPrefix   = flag.String("prefix", "awn", "MQTT topic prefix")
	homeLat       = flag.Float64("lat", 24.7136, "Safe zone center latitude")
	homeLon       = flag.Float64("lon", 46.6753, "Safe zone center longitude")
	walkRadius    = flag.Float64("walk", 750, "Farthest distance from home in meters during a walk (0 stays home)")
	walkPeriod    = flag.Duration("walk-period", 10*time.Minute, "Time for one walk out and back")
	locationEvery = flag.Duration("location-every", 5*time.Second, "Interval between location fixes")
	motionHz      = flag.Int("motion-hz", 10, "Initial motion sample rate, replaced by the monitor's config message")
	fallEvery     = flag.Duration("fall-every", 0, "Interval between simulated falls (0 disables)")
)

// WatchSimulator produces the location and motion samples of one watch
type WatchSimulator struct {
	home   models.Coordinate
	walk   float64
	period time.Duration
}

func NewWatchSimulator(home models.Coordinate, walk float64, period time.Duration) *WatchSimulator {
	return &WatchSimulator{home: home, walk: walk, period: period}
}

// PositionAt walks straight north and back, reaching the farthest point at
// half the period
func (w *WatchSimulator) PositionAt(elapsed time.Duration) models.Coordinate {
	if w.walk <= 0 || w.period <= 0 {
		return w.home
	}
	phase := float64(elapsed%w.period) / float64(w.period)
	distance := w.walk * (1 - math.Cos(2*math.Pi*phase)) / 2
	return geo.OffsetNorth(w.home, distance)
}

// MotionSample is wrist noise well under a g, or a spike above 3g for a fall
func (w *WatchSimulator) MotionSample(at time.Time, fall bool) models.MotionSample {
	sample := models.MotionSample{
		X:         (rand.Float64() - 0.5) * 0.2,
		Y:         (rand.Float64() - 0.5) * 0.2,
		Z:         (rand.Float64() - 0.5) * 0.2,
		Timestamp: at,
	}
	if fall {
		sample.X = 2.2 + rand.Float64()
		sample.Y = -1.8 - rand.Float64()
		sample.Z = 1.5
	}
	return sample
}

// validateFlags rejects rates and intervals that would stall or panic a ticker
func validateFlags(locationEvery time.Duration, motionHz int, fallEvery time.Duration) error {
	if locationEvery <= 0 {
		return fmt.Errorf("-location-every must be positive, got %s", locationEvery)
	}
	if motionHz <= 0 || time.Duration(motionHz) > time.Second {
		return fmt.Errorf("-motion-hz must be between 1 and %d, got %d", int64(time.Second), motionHz)
	}
	if fallEvery < 0 {
		return fmt.Errorf("-fall-every must not be negative, got %s", fallEvery)
	}
	return nil
}

// motionPeriod is the tick interval for a sample rate, clamped to at least 1ns
func motionPeriod(hz int64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	if period := time.Second / time.Duration(hz); period > 0 {
		return period
	}
	return time.Nanosecond
}

func topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", *topicPrefix, *patientID, kind)
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := validateFlags(*locationEvery, *motionHz, *fallEvery); err != nil {
		logger.Fatal("Invalid flags", zap.Error(err))
	}

	logger.Info("Watch simulator started",
		zap.String("patient_id", *patientID),
		zap.String("mqtt_broker", *mqttBroker),
		zap.Float64("walk_meters", *walkRadius),
		zap.Duration("walk_period", *walkPeriod),
		zap.Duration("fall_every", *fallEvery),
	)
	logger.Info("Press Ctrl+C to stop gracefully")

	var sampleRate atomic.Int64
	sampleRate.Store(int64(*motionHz))
	rateChanged := make(chan struct{}, 1)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-watchsim", *patientID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	// The monitor publishes the requested sample rate retained on the config topic
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
		client.Subscribe(topic("config"), 1, func(_ mqtt.Client, msg mqtt.Message) {
			var cfg models.SensorConfig
			if err := json.Unmarshal(msg.Payload(), &cfg); err != nil || cfg.MotionSampleRateHz <= 0 {
				logger.Warn("Ignoring malformed sensor config", zap.ByteString("payload", msg.Payload()))
				return
			}
			if sampleRate.Swap(int64(cfg.MotionSampleRateHz)) != int64(cfg.MotionSampleRateHz) {
				logger.Info("Motion sample rate changed", zap.Int("hz", cfg.MotionSampleRateHz))
				select {
				case rateChanged <- struct{}{}:
				default:
				}
			}
		})
	}

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	sim := NewWatchSimulator(models.Coordinate{Latitude: *homeLat, Longitude: *homeLon}, *walkRadius, *walkPeriod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	publish := func(kind string, v interface{}) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			logger.Error("Failed to marshal sample", zap.Error(err))
			return false
		}
		token := mqttClient.Publish(topic(kind), 0, false, payload)
		if token.Wait() && token.Error() != nil {
			logger.Error("Failed to publish sample",
				zap.String("topic", topic(kind)),
				zap.Error(token.Error()))
			return false
		}
		return true
	}

	locationTicker := time.NewTicker(*locationEvery)
	defer locationTicker.Stop()
	motionTicker := time.NewTicker(motionPeriod(sampleRate.Load()))
	defer motionTicker.Stop()

	var fallC <-chan time.Time
	if *fallEvery > 0 {
		fallTicker := time.NewTicker(*fallEvery)
		defer fallTicker.Stop()
		fallC = fallTicker.C
	}

	// Print stats every 60 seconds
	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	var (
		locationCount int
		motionCount   int
		fallCount     int
		fallPending   bool
	)
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down gracefully",
				zap.Int("locations", locationCount),
				zap.Int("motion_samples", motionCount),
				zap.Int("falls", fallCount),
				zap.Duration("total_uptime", time.Since(startTime)),
			)
			return

		case <-rateChanged:
			motionTicker.Reset(motionPeriod(sampleRate.Load()))

		case now := <-locationTicker.C:
			pos := sim.PositionAt(now.Sub(startTime))
			if publish("location", models.LocationSample{
				Latitude:  pos.Latitude,
				Longitude: pos.Longitude,
				Accuracy:  5 + rand.Float64()*10,
				Timestamp: now,
			}) {
				locationCount++
				distance, _ := geo.DistanceMeters(sim.home, pos)
				logger.Debug("Published location",
					zap.Float64("latitude", pos.Latitude),
					zap.Float64("longitude", pos.Longitude),
					zap.Float64("distance_from_home_m", distance))
			}

		case <-fallC:
			fallPending = true

		case now := <-motionTicker.C:
			if publish("motion", sim.MotionSample(now, fallPending)) {
				motionCount++
				if fallPending {
					fallCount++
					logger.Info("Simulated fall published", zap.Int("falls", fallCount))
				}
			}
			fallPending = false

		case <-statsTicker.C:
			logger.Info("Statistics",
				zap.Int("locations", locationCount),
				zap.Int("motion_samples", motionCount),
				zap.Int("falls", fallCount),
				zap.Int64("motion_hz", sampleRate.Load()),
				zap.Duration("uptime", time.Since(startTime)),
			)
		}
	}
}
