package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/logger"
)

const measurement = "battery"

// InfluxWriter writes one point per refresh to InfluxDB.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	device   string
}

// NewInfluxWriter connects to InfluxDB and verifies the server is healthy.
func NewInfluxWriter(ctx context.Context, url, token, org, bucket, device string) (*InfluxWriter, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("bucket", bucket).Msg("Connected to InfluxDB")

	return &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		device:   device,
	}, nil
}

// NewPoint builds the point for m. Metrics with an error are left out.
func NewPoint(m *battery.Metrics, device string) *write.Point {
	fields := make(map[string]interface{}, len(battery.NumericMetrics))
	for name, v := range m.Numeric() {
		fields[string(name)] = v
	}

	tags := map[string]string{"device": device}
	if m.SystemStatus != "" {
		tags["system_status"] = m.SystemStatus
	}

	return influxdb2.NewPoint(measurement, tags, fields, m.FetchedAt)
}

// Name implements collector.Sink.
func (w *InfluxWriter) Name() string {
	return "influxdb"
}

// Write implements collector.Sink.
func (w *InfluxWriter) Write(ctx context.Context, m *battery.Metrics) error {
	if len(m.Numeric()) == 0 {
		return nil
	}
	if err := w.writeAPI.WritePoint(ctx, NewPoint(m, w.device)); err != nil {
		return fmt.Errorf("failed to write point: %w", err)
	}
	return nil
}

// Close implements collector.Sink.
func (w *InfluxWriter) Close() error {
	logger.Info().Msg("Closing InfluxDB connection")
	w.client.Close()
	return nil
}
