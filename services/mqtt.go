package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"awn/config"
	"awn/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	topicLocation = "location"
	topicMotion   = "motion"
	topicConfig   = "config"

	motionBufferSize = 64
	mqttWaitTimeout  = 5 * time.Second
)

// SampleHook is told about every accepted device sample
type SampleHook func(patientID string, kind models.SampleKind, at time.Time)

// MQTTGateway terminates the watch uplink. Watches publish on
// <prefix>/<patientId>/location and <prefix>/<patientId>/motion; the gateway
// keeps the latest fix per patient and fans motion out to subscribers.
type MQTTGateway struct {
	client mqtt.Client
	config *config.Config
	prefix string
	clock  Clock
	logger *zap.Logger

	mu      sync.RWMutex
	fixes   map[string]models.LocationSample
	waiters map[string][]chan models.LocationSample
	motion  map[string]map[int]chan models.Acceleration
	nextSub int
	hook    SampleHook
}

// NewMQTTGateway connects to the broker and subscribes to every patient's
// sensor topics
func NewMQTTGateway(cfg *config.Config, clock Clock, logger *zap.Logger) (*MQTTGateway, error) {
	g := newMQTTGateway(cfg, nil, clock, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBrokerURL)
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	// Subscriptions are lost with a clean session, so they are made on every connect
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBrokerURL))
		if err := g.subscribe(client); err != nil {
			logger.Error("Failed to subscribe to sensor topics", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.MQTTBrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	g.client = client
	return g, nil
}

func newMQTTGateway(cfg *config.Config, client mqtt.Client, clock Clock, logger *zap.Logger) *MQTTGateway {
	return &MQTTGateway{
		client:  client,
		config:  cfg,
		prefix:  cfg.MQTTTopicPrefix,
		clock:   clock,
		logger:  logger,
		fixes:   make(map[string]models.LocationSample),
		waiters: make(map[string][]chan models.LocationSample),
		motion:  make(map[string]map[int]chan models.Acceleration),
	}
}

// SetSampleHook installs the device-health observer
func (g *MQTTGateway) SetSampleHook(hook SampleHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = hook
}

func (g *MQTTGateway) subscribe(client mqtt.Client) error {
	for _, kind := range []string{topicLocation, topicMotion} {
		topic := fmt.Sprintf("%s/+/%s", g.prefix, kind)
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			g.dispatch(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(mqttWaitTimeout) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
		g.logger.Info("Subscribed to sensor topic", zap.String("topic", topic))
	}
	return nil
}

func (g *MQTTGateway) topic(patientID, kind string) string {
	return g.prefix + "/" + patientID + "/" + kind
}

// parseTopic splits <prefix>/<patientId>/<kind>
func (g *MQTTGateway) parseTopic(topic string) (patientID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != g.prefix || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// dispatch routes one uplink message. Malformed payloads are logged and dropped.
func (g *MQTTGateway) dispatch(topic string, payload []byte) {
	patientID, kind, ok := g.parseTopic(topic)
	if !ok {
		g.logger.Warn("Ignoring message on unexpected topic", zap.String("topic", topic))
		return
	}

	switch kind {
	case topicLocation:
		var sample models.LocationSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			g.logger.Warn("Invalid location payload",
				zap.String("patient_id", patientID),
				zap.Error(err))
			return
		}
		g.handleLocation(patientID, sample)
	case topicMotion:
		var sample models.MotionSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			g.logger.Warn("Invalid motion payload",
				zap.String("patient_id", patientID),
				zap.Error(err))
			return
		}
		g.handleMotion(patientID, sample)
	default:
		g.logger.Debug("Ignoring sensor kind", zap.String("topic", topic))
	}
}

func (g *MQTTGateway) handleLocation(patientID string, sample models.LocationSample) {
	if !sample.Coordinate().IsValid() {
		g.logger.Warn("Dropping invalid location fix",
			zap.String("patient_id", patientID),
			zap.Float64("latitude", sample.Latitude),
			zap.Float64("longitude", sample.Longitude))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = g.clock.Now()
	}

	g.mu.Lock()
	if prev, ok := g.fixes[patientID]; !ok || !sample.Timestamp.Before(prev.Timestamp) {
		g.fixes[patientID] = sample
	}
	waiters := g.waiters[patientID]
	delete(g.waiters, patientID)
	hook := g.hook
	g.mu.Unlock()

	for _, w := range waiters {
		w <- sample
	}
	if hook != nil {
		hook(patientID, models.LocationSampleKind, sample.Timestamp)
	}
}

func (g *MQTTGateway) handleMotion(patientID string, sample models.MotionSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = g.clock.Now()
	}
	accel := sample.Acceleration()

	g.mu.RLock()
	dropped := 0
	for _, ch := range g.motion[patientID] {
		select {
		case ch <- accel:
		default:
			dropped++
		}
	}
	hook := g.hook
	g.mu.RUnlock()

	if dropped > 0 {
		g.logger.Debug("Motion subscriber behind, sample dropped",
			zap.String("patient_id", patientID),
			zap.Int("dropped", dropped))
	}
	if hook != nil {
		hook(patientID, models.MotionSampleKind, sample.Timestamp)
	}
}

// Location returns the provider for one patient's watch
func (g *MQTTGateway) Location(patientID string) LocationProvider {
	return &mqttLocation{gateway: g, patientID: patientID}
}

// Motion returns the sensor for one patient's watch
func (g *MQTTGateway) Motion(patientID string) MotionSensor {
	return &mqttMotion{gateway: g, patientID: patientID}
}

type mqttLocation struct {
	gateway   *MQTTGateway
	patientID string
}

// CurrentLocation serves the cached fix while it is fresh, otherwise waits for
// the next one
func (l *mqttLocation) CurrentLocation(ctx context.Context, timeout time.Duration) (models.Coordinate, error) {
	g := l.gateway

	g.mu.Lock()
	if fix, ok := g.fixes[l.patientID]; ok && g.clock.Now().Sub(fix.Timestamp) <= g.config.LocationMaxAge {
		g.mu.Unlock()
		return fix.Coordinate(), nil
	}
	waiter := make(chan models.LocationSample, 1)
	g.waiters[l.patientID] = append(g.waiters[l.patientID], waiter)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fix := <-waiter:
		return fix.Coordinate(), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	g.removeWaiter(l.patientID, waiter)
	return models.Coordinate{}, fmt.Errorf("%w: no fix for patient %s within %s", ErrLocationUnavailable, l.patientID, timeout)
}

func (g *MQTTGateway) removeWaiter(patientID string, waiter chan models.LocationSample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := g.waiters[patientID]
	for i, w := range list {
		if w == waiter {
			g.waiters[patientID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.waiters[patientID]) == 0 {
		delete(g.waiters, patientID)
	}
}

type mqttMotion struct {
	gateway   *MQTTGateway
	patientID string
}

// Subscribe publishes the requested sample rate as the retained device config
// and registers a motion stream that ends with ctx or the returned func
func (m *mqttMotion) Subscribe(ctx context.Context, sampleRateHz int) (<-chan models.Acceleration, func(), error) {
	g := m.gateway

	payload, err := json.Marshal(models.SensorConfig{MotionSampleRateHz: sampleRateHz, UpdatedAt: g.clock.Now()})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal sensor config: %w", err)
	}
	topic := g.topic(m.patientID, topicConfig)
	token := g.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return nil, nil, fmt.Errorf("timed out publishing sensor config to %s", topic)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("failed to publish sensor config: %w", err)
	}

	ch := make(chan models.Acceleration, motionBufferSize)

	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	if g.motion[m.patientID] == nil {
		g.motion[m.patientID] = make(map[int]chan models.Acceleration)
	}
	g.motion[m.patientID][id] = ch
	g.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.motion[m.patientID], id)
			if len(g.motion[m.patientID]) == 0 {
				delete(g.motion, m.patientID)
			}
			close(ch)
			g.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, unsubscribe)

	g.logger.Info("Motion stream opened",
		zap.String("patient_id", m.patientID),
		zap.Int("sample_rate_hz", sampleRateHz))

	return ch, unsubscribe, nil
}

// Close disconnects from the broker
func (g *MQTTGateway) Close() {
	g.logger.Info("Disconnecting from MQTT broker")
	g.client.Disconnect(250)
}
