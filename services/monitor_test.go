package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"awn/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type monitorFixture struct {
	*lifecycleFixture
	sensors   *fakeSensors
	directory *MemoryStore
	monitor   *Monitor
}

func setupMonitor(t *testing.T) *monitorFixture {
	t.Helper()
	lf := setupLifecycle(t)
	sensors := newFakeSensors()
	directory := NewMemoryStore()
	directory.SetSafeZone("p-1", testZone(t, 500))

	monitor := NewMonitor(lf.cfg, sensors, directory, lf.lifecycle, lf.clock, zap.NewNop())
	t.Cleanup(monitor.Shutdown)
	return &monitorFixture{lifecycleFixture: lf, sensors: sensors, directory: directory, monitor: monitor}
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	f := setupMonitor(t)

	status, err := f.monitor.StartMonitoring(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, status.IsMonitoringActive)
	assert.True(t, status.HasSafeZone)

	_, err = f.monitor.StartMonitoring(context.Background(), "p-1")
	require.NoError(t, err)

	subs, _ := f.sensors.motion.Counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, []string{"p-1"}, f.monitor.ActivePatients())
}

func TestMonitor_StartFailurePropagates(t *testing.T) {
	f := setupMonitor(t)
	f.sensors.motion.err = errBackendDown

	_, err := f.monitor.StartMonitoring(context.Background(), "p-1")
	require.ErrorIs(t, err, ErrSensorUnavailable)
	assert.Empty(t, f.monitor.ActivePatients())
}

func TestMonitor_StopAndStatus(t *testing.T) {
	f := setupMonitor(t)

	assert.ErrorIs(t, f.monitor.StopMonitoring("p-1"), ErrNotMonitoring)
	status, running := f.monitor.Status("p-1")
	assert.False(t, running)
	assert.False(t, status.IsMonitoringActive)

	_, err := f.monitor.StartMonitoring(context.Background(), "p-1")
	require.NoError(t, err)
	_, running = f.monitor.Status("p-1")
	assert.True(t, running)

	require.NoError(t, f.monitor.StopMonitoring("p-1"))
	_, running = f.monitor.Status("p-1")
	assert.False(t, running)
	assert.ErrorIs(t, f.monitor.StopMonitoring("p-1"), ErrNotMonitoring)
}

func TestMonitor_RefreshRequiresSession(t *testing.T) {
	f := setupMonitor(t)

	_, err := f.monitor.RefreshSafeZone(context.Background(), "p-1")
	assert.ErrorIs(t, err, ErrNotMonitoring)

	_, err = f.monitor.StartMonitoring(context.Background(), "p-1")
	require.NoError(t, err)
	zone, err := f.monitor.RefreshSafeZone(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Home", zone.Name)
}

func TestMonitor_AlertPassThroughs(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()
	notices, cancel := f.monitor.SubscribeAlerts(8)
	defer cancel()

	alert := f.raise(t, "p-1", models.GeofenceExit)
	raised := <-notices
	assert.Equal(t, alert.ID, raised.Alert.ID)

	pending, err := f.monitor.ListAlerts(ctx, "p-1", true, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	confirmed, err := f.monitor.Confirm(ctx, alert.ID, models.Accompanied)
	require.NoError(t, err)
	assert.Equal(t, models.Accompanied, confirmed.ConfirmationStatus)
	resolved := <-notices
	assert.Equal(t, models.AlertResolved, resolved.Action)

	read, err := f.monitor.MarkRead(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead)

	pending, err = f.monitor.ListAlerts(ctx, "p-1", true, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMonitor_ShutdownStopsSessions(t *testing.T) {
	f := setupMonitor(t)
	statuses, cancel := f.monitor.SubscribeStatus(64)
	defer cancel()

	_, err := f.monitor.StartMonitoring(context.Background(), "p-1")
	require.NoError(t, err)

	f.monitor.Shutdown()
	assert.Empty(t, f.monitor.ActivePatients())

	var sawInactive bool
	for s := range statuses {
		if !s.IsMonitoringActive {
			sawInactive = true
		}
	}
	assert.True(t, sawInactive)
}

// gatedLocation blocks every lookup until release is closed
type gatedLocation struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLocation) CurrentLocation(ctx context.Context, _ time.Duration) (models.Coordinate, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return models.Coordinate{}, ErrLocationUnavailable
}

// blockingMotion holds Subscribe until proceed is closed
type blockingMotion struct {
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingMotion) Subscribe(context.Context, int) (<-chan models.Acceleration, func(), error) {
	close(b.entered)
	<-b.proceed
	ch := make(chan models.Acceleration)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

// routedSensors overrides the shared fakes for selected patients
type routedSensors struct {
	*fakeSensors
	location map[string]LocationProvider
	motion   map[string]MotionSensor
}

func (r *routedSensors) Location(id string) LocationProvider {
	if l, ok := r.location[id]; ok {
		return l
	}
	return r.fakeSensors.Location(id)
}

func (r *routedSensors) Motion(id string) MotionSensor {
	if m, ok := r.motion[id]; ok {
		return m
	}
	return r.fakeSensors.Motion(id)
}

func TestMonitor_RestartWaitsForStopInProgress(t *testing.T) {
	lf := setupLifecycle(t)
	lf.cfg.FallLocationTimeout = 10 * time.Second
	ctx := context.Background()

	gate := &gatedLocation{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sensors := &routedSensors{fakeSensors: newFakeSensors(), location: map[string]LocationProvider{"p-2": gate}}
	monitor := NewMonitor(lf.cfg, sensors, NewMemoryStore(), lf.lifecycle, lf.clock, zap.NewNop())
	t.Cleanup(monitor.Shutdown)

	statuses, cancel := monitor.SubscribeStatus(256)
	defer cancel()

	_, err := monitor.StartMonitoring(ctx, "p-2")
	require.NoError(t, err)

	// A fall whose location lookup is still running keeps Stop busy
	sensors.fakeSensors.motion.Send(models.Acceleration{X: 3, Timestamp: lf.clock.Now()})
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fall lookup did not start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- monitor.StopMonitoring("p-2") }()
	require.Eventually(t, func() bool {
		_, running := monitor.Status("p-2")
		return !running
	}, 2*time.Second, 5*time.Millisecond)

	started := make(chan error, 1)
	go func() {
		_, err := monitor.StartMonitoring(ctx, "p-2")
		started <- err
	}()

	select {
	case <-started:
		t.Fatal("restart completed while the previous stop was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-stopped)
	require.NoError(t, <-started)

	lf.raise(t, "p-2", models.GeofenceExit)
	assert.Equal(t, 1, lf.lifecycle.PendingTimers())

	// The old session's inactive snapshot comes before the new session's
	var last *models.MonitoringStatus
	for drained := false; !drained; {
		select {
		case s := <-statuses:
			if s.PatientID == "p-2" {
				last = &s
			}
		default:
			drained = true
		}
	}
	require.NotNil(t, last)
	assert.True(t, last.IsMonitoringActive)
}

func TestMonitor_SlowStartDoesNotBlockOtherPatients(t *testing.T) {
	f := setupMonitor(t)
	ctx := context.Background()

	slow := &blockingMotion{entered: make(chan struct{}), proceed: make(chan struct{})}
	sensors := &routedSensors{fakeSensors: f.sensors, motion: map[string]MotionSensor{"slow": slow}}
	monitor := NewMonitor(f.cfg, sensors, f.directory, f.lifecycle, f.clock, zap.NewNop())
	t.Cleanup(monitor.Shutdown)

	_, err := monitor.StartMonitoring(ctx, "p-1")
	require.NoError(t, err)

	slowDone := make(chan error, 1)
	go func() {
		_, err := monitor.StartMonitoring(ctx, "slow")
		slowDone <- err
	}()
	<-slow.entered

	controls := make(chan struct{})
	go func() {
		defer close(controls)
		_, running := monitor.Status("p-1")
		assert.True(t, running)
		assert.Equal(t, []string{"p-1"}, monitor.ActivePatients())
		assert.NoError(t, monitor.StopMonitoring("p-1"))
	}()

	select {
	case <-controls:
	case <-time.After(time.Second):
		t.Fatal("another patient's start blocked the monitor")
	}

	close(slow.proceed)
	require.NoError(t, <-slowDone)
	assert.Equal(t, []string{"slow"}, monitor.ActivePatients())
}

func TestMonitor_StartAfterShutdown(t *testing.T) {
	f := setupMonitor(t)
	f.monitor.Shutdown()

	_, err := f.monitor.StartMonitoring(context.Background(), "p-1")

	assert.ErrorIs(t, err, ErrMonitorClosed)
	assert.Empty(t, f.monitor.ActivePatients())
}
