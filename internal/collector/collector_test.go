package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/sonnen"
)

type fakeDevice struct {
	mu    sync.Mutex
	snaps []*battery.Snapshot
	err   error
	calls int
}

func (d *fakeDevice) Fetch(ctx context.Context) (*battery.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	snap := d.snaps[0]
	if len(d.snaps) > 1 {
		d.snaps = d.snaps[1:]
	}
	return snap, nil
}

func (d *fakeDevice) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSink struct {
	name   string
	err    error
	mu     sync.Mutex
	writes []*battery.Metrics
	closed bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Write(ctx context.Context, m *battery.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, m)
	return s.err
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func snapshot(t *testing.T, consumption string) *battery.Snapshot {
	t.Helper()
	snap, err := battery.NewSnapshot(
		[]byte(`{"Consumption_W": `+consumption+`, "Production_W": 0, "Pac_total_W": 700}`),
		[]byte(`{"GridFeedIn_W": -100, "RemainingCapacity_Wh": 9000}`),
		time.Date(2025, 11, 29, 21, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return snap
}

func TestCollectOnce(t *testing.T) {
	device := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "748")}}
	sink := &fakeSink{name: "fake"}
	c := NewCollector(CollectorConfig{Device: device, Sinks: []Sink{sink}, Enabled: true})

	m, err := c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 748.0, m.ConsumptionW)
	assert.Equal(t, 700.0, m.DischargingW)
	assert.Equal(t, 100.0, m.GridOutW)
	assert.Equal(t, 2200.0, m.RemainingCapacityWh)

	require.Len(t, sink.writes, 1)
	assert.Same(t, m, sink.writes[0])

	current, err := c.Store().Metrics()
	require.NoError(t, err)
	assert.Equal(t, 748.0, current.ConsumptionW)
	assert.NoError(t, c.LastError())
	assert.False(t, c.LastSuccess().IsZero())
}

func TestCollectOnce_FailureKeepsPreviousSnapshot(t *testing.T) {
	device := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "500")}}
	sink := &fakeSink{name: "fake"}
	c := NewCollector(CollectorConfig{Device: device, Sinks: []Sink{sink}})

	_, err := c.CollectOnce(context.Background())
	require.NoError(t, err)

	fetchErr := errors.New("connection refused")
	device.err = fetchErr

	_, err = c.CollectOnce(context.Background())
	assert.ErrorIs(t, err, fetchErr)
	assert.ErrorIs(t, c.LastError(), fetchErr)
	assert.Len(t, sink.writes, 1)

	m, err := c.Store().Metrics()
	require.NoError(t, err)
	assert.Equal(t, 500.0, m.ConsumptionW)
}

func TestCollectOnce_FailingSinkDoesNotStopOthers(t *testing.T) {
	device := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "1")}}
	broken := &fakeSink{name: "broken", err: errors.New("disk full")}
	healthy := &fakeSink{name: "healthy"}
	c := NewCollector(CollectorConfig{Device: device, Sinks: []Sink{broken, healthy}})

	_, err := c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, broken.writes, 1)
	assert.Len(t, healthy.writes, 1)
}

func TestCollectOnce_NoDevice(t *testing.T) {
	c := NewCollector(CollectorConfig{})
	_, err := c.CollectOnce(context.Background())
	assert.Error(t, err)
}

func TestStart_Disabled(t *testing.T) {
	device := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "1")}}
	c := NewCollector(CollectorConfig{Device: device, Enabled: false})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 0, device.Calls())
	assert.False(t, c.IsCollecting())
}

func TestStart_CollectsUntilCancelled(t *testing.T) {
	device := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "1")}}
	c := NewCollector(CollectorConfig{Device: device, Interval: 10 * time.Millisecond, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return device.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsCollecting())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	assert.False(t, c.IsCollecting())
}

func TestUpdateBatteryConfig(t *testing.T) {
	oldDevice := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "1")}}
	c := NewCollector(CollectorConfig{Device: oldDevice})

	newDevice := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "2")}}
	var got sonnen.Config
	c.newDevice = func(cfg sonnen.Config) Device {
		got = cfg
		return newDevice
	}

	cfg := sonnen.Config{Host: "192.168.1.50", AuthToken: "secret"}
	require.NoError(t, c.UpdateBatteryConfig(context.Background(), cfg))
	assert.Equal(t, cfg, got)

	m, err := c.Store().Metrics()
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.ConsumptionW)

	_, err = c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, oldDevice.Calls())
	assert.Equal(t, 2, newDevice.Calls())
}

func TestUpdateBatteryConfig_FailureKeepsOldDevice(t *testing.T) {
	oldDevice := &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "1")}}
	c := NewCollector(CollectorConfig{Device: oldDevice})
	c.newDevice = func(sonnen.Config) Device {
		return &fakeDevice{err: sonnen.ErrUnauthorized}
	}

	err := c.UpdateBatteryConfig(context.Background(), sonnen.Config{Host: "bad"})
	assert.ErrorIs(t, err, sonnen.ErrUnauthorized)

	_, err = c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, oldDevice.Calls())
}

// slowDevice blocks in Fetch until release is closed.
type slowDevice struct {
	snap    *battery.Snapshot
	started chan struct{}
	release chan struct{}
}

func (d *slowDevice) Fetch(ctx context.Context) (*battery.Snapshot, error) {
	close(d.started)
	<-d.release
	return d.snap, nil
}

func TestCollectOnce_DropsResultFromReplacedDevice(t *testing.T) {
	old := &slowDevice{
		snap:    snapshot(t, "1"),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := &fakeSink{name: "fake"}
	c := NewCollector(CollectorConfig{Device: old, Sinks: []Sink{sink}})
	c.newDevice = func(sonnen.Config) Device {
		return &fakeDevice{snaps: []*battery.Snapshot{snapshot(t, "2")}}
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.CollectOnce(context.Background())
		done <- err
	}()

	<-old.started
	require.NoError(t, c.UpdateBatteryConfig(context.Background(), sonnen.Config{Host: "192.168.1.50"}))
	close(old.release)

	assert.ErrorIs(t, <-done, ErrDeviceReplaced)
	assert.NoError(t, c.LastError())
	assert.Empty(t, sink.writes)

	m, err := c.Store().Metrics()
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.ConsumptionW)
}

func TestStopClosesSinks(t *testing.T) {
	a, b := &fakeSink{name: "a"}, &fakeSink{name: "b"}
	c := NewCollector(CollectorConfig{Sinks: []Sink{a, b}})
	c.Stop()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
