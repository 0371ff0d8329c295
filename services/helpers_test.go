package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"awn/config"
	"awn/geo"
	"awn/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	riyadhCenter = models.Coordinate{Latitude: 24.7136, Longitude: 46.6753}
	epoch        = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func testConfig() *config.Config {
	return &config.Config{
		AlertStore:              config.StoreMemory,
		GeofenceInterval:        time.Hour,
		GeofenceLocationTimeout: 50 * time.Millisecond,
		FallThresholdG:          2.5,
		FallCooldown:            60 * time.Second,
		FallLocationTimeout:     50 * time.Millisecond,
		AutoConfirmDelay:        300 * time.Second,
		MotionSampleRateHz:      10,
		LocationMaxAge:          60 * time.Second,
		StoreWriteTimeout:       time.Second,
		DeviceHealthTimeout:     120 * time.Second,
		DeviceHealthCheckEvery:  time.Hour,
		MQTTTopicPrefix:         "awn",
		StatusBufferSize:        16,
	}
}

func testZone(t *testing.T, radius float64) *models.SafeZone {
	t.Helper()
	name := "Home"
	lat, lon := riyadhCenter.Latitude, riyadhCenter.Longitude
	zone, err := models.NewSafeZone(&name, &lat, &lon, &radius, true)
	require.NoError(t, err)
	require.NotNil(t, zone)
	return zone
}

func pointAt(meters float64) *models.Coordinate {
	c := geo.OffsetNorth(riyadhCenter, meters)
	return &c
}

// fakeClock fires due timers synchronously from Advance
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, remaining []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeLocation returns the configured fix or ErrLocationUnavailable
type fakeLocation struct {
	mu      sync.Mutex
	current *models.Coordinate
	calls   int
}

func (f *fakeLocation) Set(c *models.Coordinate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = c
}

func (f *fakeLocation) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLocation) CurrentLocation(ctx context.Context, _ time.Duration) (models.Coordinate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.current == nil {
		return models.Coordinate{}, ErrLocationUnavailable
	}
	return *f.current, nil
}

type fakeMotion struct {
	mu            sync.Mutex
	err           error
	ch            chan models.Acceleration
	subscribes    int
	unsubscribes  int
	requestedRate int
}

func (f *fakeMotion) Subscribe(_ context.Context, rate int) (<-chan models.Acceleration, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	f.subscribes++
	f.requestedRate = rate
	ch := make(chan models.Acceleration, 16)
	f.ch = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.unsubscribes++
			close(ch)
		})
	}, nil
}

func (f *fakeMotion) Send(a models.Acceleration) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- a
}

func (f *fakeMotion) Counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

type fakeSensors struct {
	location *fakeLocation
	motion   *fakeMotion
}

func newFakeSensors() *fakeSensors {
	return &fakeSensors{location: &fakeLocation{}, motion: &fakeMotion{}}
}

func (f *fakeSensors) Location(string) LocationProvider { return f.location }
func (f *fakeSensors) Motion(string) MotionSensor       { return f.motion }

// flakyStore fails creates while createErr is set
type flakyStore struct {
	*MemoryStore
	mu        sync.Mutex
	createErr error
}

func (f *flakyStore) SetCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *flakyStore) Create(ctx context.Context, alert *models.AlertEvent) (*models.AlertEvent, error) {
	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.Create(ctx, alert)
}

type failingDirectory struct{ err error }

func (d failingDirectory) GetSafeZone(context.Context, string) (*models.SafeZone, error) {
	return nil, d.err
}

var errBackendDown = errors.New("backend unavailable")

type lifecycleFixture struct {
	cfg       *config.Config
	clock     *fakeClock
	store     *flakyStore
	lifecycle *AlertLifecycleManager
}

func setupLifecycle(t *testing.T) *lifecycleFixture {
	t.Helper()
	cfg := testConfig()
	clock := newFakeClock()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	lifecycle := NewAlertLifecycleManager(cfg, store, clock, zap.NewNop())
	t.Cleanup(lifecycle.Shutdown)
	return &lifecycleFixture{cfg: cfg, clock: clock, store: store, lifecycle: lifecycle}
}

func (f *lifecycleFixture) raise(t *testing.T, patientID string, alertType models.AlertType) *models.AlertEvent {
	t.Helper()
	alert, err := f.lifecycle.Raise(context.Background(), models.NewAlertEvent(patientID, alertType, f.clock.Now(), pointAt(600)))
	require.NoError(t, err)
	return alert
}
