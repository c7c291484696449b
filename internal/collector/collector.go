// Package collector periodically fetches battery snapshots and fans the
// derived metrics out to the configured sinks.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/logger"
	"sonnen-monitor/internal/metrics"
	"sonnen-monitor/internal/sonnen"
)

const defaultInterval = 3 * time.Second

// ErrDeviceReplaced is returned by CollectOnce when the battery configuration
// changed while the fetch was running. The result of that fetch is dropped.
var ErrDeviceReplaced = errors.New("battery device replaced during fetch")

// Device fetches one complete snapshot from a battery.
type Device interface {
	Fetch(ctx context.Context) (*battery.Snapshot, error)
}

// Sink receives the metrics of every successful refresh.
type Sink interface {
	Name() string
	Write(ctx context.Context, m *battery.Metrics) error
	Close() error
}

type Collector struct {
	device   Device
	store    *battery.Store
	sinks    []Sink
	interval time.Duration
	enabled  bool

	newDevice func(sonnen.Config) Device

	mu           sync.RWMutex
	generation   uint64 // bumped on every device swap
	isCollecting bool
	lastErr      error
	lastSuccess  time.Time
}

type CollectorConfig struct {
	Device   Device
	Store    *battery.Store
	Sinks    []Sink
	Interval time.Duration
	Enabled  bool
}

func NewCollector(cfg CollectorConfig) *Collector {
	store := cfg.Store
	if store == nil {
		store = battery.NewStore()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Collector{
		device:   cfg.Device,
		store:    store,
		sinks:    cfg.Sinks,
		interval: interval,
		enabled:  cfg.Enabled,
		newDevice: func(c sonnen.Config) Device {
			return sonnen.NewClient(c)
		},
	}
}

// Start runs the collection loop until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		logger.Info().Msg("Collector is disabled")
		return nil
	}

	c.mu.Lock()
	c.isCollecting = true
	c.mu.Unlock()

	logger.Info().Dur("interval", c.interval).Msg("Starting collector")

	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Collector stopped")
			c.mu.Lock()
			c.isCollecting = false
			c.mu.Unlock()
			return nil
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	m, err := c.CollectOnce(ctx)
	if errors.Is(err, ErrDeviceReplaced) {
		logger.Debug().Msg("Dropped snapshot from previous battery")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Error fetching battery snapshot")
		return
	}

	ev := logger.Info().
		Float64("consumption_w", m.ConsumptionW).
		Float64("production_w", m.ProductionW).
		Float64("charging_w", m.ChargingW).
		Float64("discharging_w", m.DischargingW).
		Float64("grid_in_w", m.GridInW).
		Float64("grid_out_w", m.GridOutW).
		Float64("usoc", m.UserSOC)
	if len(m.Errors) > 0 {
		ev = ev.Int("metric_errors", len(m.Errors))
	}
	ev.Msg("Collected")
}

// CollectOnce fetches one snapshot, installs it in the store and writes the
// derived metrics to every sink. A failed fetch keeps the previous snapshot.
func (c *Collector) CollectOnce(ctx context.Context) (*battery.Metrics, error) {
	c.mu.RLock()
	device := c.device
	generation := c.generation
	c.mu.RUnlock()

	if device == nil {
		return nil, fmt.Errorf("collector not initialized (device is nil)")
	}

	metrics.FetchTotal.Inc()
	start := time.Now()
	snap, err := device.Fetch(ctx)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return nil, ErrDeviceReplaced
	}
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		metrics.FetchErrors.Inc()
		return nil, err
	}
	c.store.Replace(snap)
	c.lastErr = nil
	c.lastSuccess = snap.FetchedAt
	c.mu.Unlock()

	if missing := snap.MissingKeys(); len(missing) > 0 {
		logger.Warn().Strs("keys", missing).Msg("Battery payload is missing keys")
	}

	m := battery.Derive(snap)
	c.writeSinks(ctx, m)
	return m, nil
}

func (c *Collector) writeSinks(ctx context.Context, m *battery.Metrics) {
	for _, sink := range c.sinks {
		if err := sink.Write(ctx, m); err != nil {
			metrics.SinkWriteErrors.WithLabelValues(sink.Name()).Inc()
			logger.Error().Err(err).Str("sink", sink.Name()).Msg("Error writing metrics")
		}
	}
}

// Store returns the snapshot store the collector writes to.
func (c *Collector) Store() *battery.Store {
	return c.store
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

// LastError returns the error of the most recent fetch, or nil if it succeeded.
func (c *Collector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Collector) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// UpdateBatteryConfig switches to a new battery at runtime. The new client is
// only installed after a full fetch with it succeeded.
func (c *Collector) UpdateBatteryConfig(ctx context.Context, cfg sonnen.Config) error {
	logger.Info().Str("host", cfg.Host).Msg("Updating battery configuration")

	device := c.newDevice(cfg)
	snap, err := device.Fetch(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to fetch with new config")
		return fmt.Errorf("failed to fetch with new configuration: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.generation++
	c.store.Replace(snap)
	c.lastErr = nil
	c.lastSuccess = snap.FetchedAt
	c.mu.Unlock()

	logger.Info().Msg("Battery configuration updated successfully")
	return nil
}

// Stop closes every sink.
func (c *Collector) Stop() {
	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Str("sink", sink.Name()).Msg("Error closing sink")
		}
	}
}
