package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnen-monitor/internal/battery"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "data", "readings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func metricsAt(t *testing.T, at time.Time, details, status string) *battery.Metrics {
	t.Helper()
	snap, err := battery.NewSnapshot([]byte(details), []byte(status), at)
	require.NoError(t, err)
	return battery.Derive(snap)
}

func TestNewReadingLeavesFailedMetricsNull(t *testing.T) {
	m := metricsAt(t, time.Now(), `{"Consumption_W": 300, "Pac_total_W": -800}`, `{"GridFeedIn_W": 50}`)

	r := NewReading(m)
	require.NotNil(t, r.ConsumptionW)
	assert.Equal(t, 300.0, *r.ConsumptionW)
	require.NotNil(t, r.ChargingW)
	assert.Equal(t, 800.0, *r.ChargingW)
	require.NotNil(t, r.GridInW)
	assert.Equal(t, 50.0, *r.GridInW)

	assert.Nil(t, r.ProductionW)
	assert.Nil(t, r.UserSOC)
	assert.Nil(t, r.RemainingCapacityWh)
	assert.Nil(t, r.InstalledModules)
	assert.Nil(t, r.SecondsSinceFull)
}

func TestSaveAndQueryReadings(t *testing.T) {
	db := newTestDatabase(t)
	base := time.Date(2025, 11, 29, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		m := metricsAt(t, base.Add(time.Duration(i)*time.Hour),
			`{"Consumption_W": 100, "USOC": 50, "Pac_total_W": 0, "ic_status": {"nrbatterymodules": 4, "secondssincefullcharge": 60}}`,
			`{"GridFeedIn_W": 0, "RemainingCapacity_Wh": 9000}`)
		require.NoError(t, db.Write(context.Background(), m))
	}

	latest, err := db.GetLatestReading()
	require.NoError(t, err)
	assert.True(t, latest.Timestamp.Equal(base.Add(2*time.Hour)))
	require.NotNil(t, latest.InstalledModules)
	assert.Equal(t, 4, *latest.InstalledModules)

	limited, err := db.GetReadingsWithLimit(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ranged, err := db.GetReadingsByRange(base.Add(30*time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestGetDailyStats(t *testing.T) {
	db := newTestDatabase(t)
	day := time.Date(2025, 11, 29, 0, 0, 0, 0, time.UTC)

	readings := []struct {
		at      time.Time
		details string
		status  string
	}{
		{day.Add(8 * time.Hour), `{"USOC": 40, "Pac_total_W": -1500}`, `{"GridFeedIn_W": 700, "RemainingCapacity_Wh": 8000}`},
		{day.Add(12 * time.Hour), `{"USOC": 60, "Pac_total_W": 900}`, `{"GridFeedIn_W": -300, "RemainingCapacity_Wh": 10000}`},
		{day.Add(26 * time.Hour), `{"USOC": 99, "Pac_total_W": 4000}`, `{"GridFeedIn_W": -3000, "RemainingCapacity_Wh": 20000}`},
	}
	for _, r := range readings {
		require.NoError(t, db.Write(context.Background(), metricsAt(t, r.at, r.details, r.status)))
	}

	stats, err := db.GetDailyStats(day.Add(15 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ReadingsCount)
	assert.True(t, stats.Date.Equal(day))

	require.NotNil(t, stats.MaxChargingW)
	assert.Equal(t, 1500.0, *stats.MaxChargingW)
	require.NotNil(t, stats.MaxDischargingW)
	assert.Equal(t, 900.0, *stats.MaxDischargingW)
	require.NotNil(t, stats.MaxGridInW)
	assert.Equal(t, 700.0, *stats.MaxGridInW)
	require.NotNil(t, stats.MaxGridOutW)
	assert.Equal(t, 300.0, *stats.MaxGridOutW)
	require.NotNil(t, stats.AvgUserSOC)
	assert.InDelta(t, 50.0, *stats.AvgUserSOC, 0.001)
	require.NotNil(t, stats.MinRemainingCapacityWh)
	assert.Equal(t, 1700.0, *stats.MinRemainingCapacityWh)
}

func TestGetDailyStatsEmptyDay(t *testing.T) {
	db := newTestDatabase(t)

	stats, err := db.GetDailyStats(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.ReadingsCount)
	assert.Nil(t, stats.MaxChargingW)
	assert.Nil(t, stats.AvgUserSOC)
}

func TestCleanOldReadings(t *testing.T) {
	db := newTestDatabase(t)

	old := metricsAt(t, time.Now().Add(-48*time.Hour), `{"Consumption_W": 1}`, `{}`)
	recent := metricsAt(t, time.Now(), `{"Consumption_W": 2}`, `{}`)
	require.NoError(t, db.Write(context.Background(), old))
	require.NoError(t, db.Write(context.Background(), recent))

	removed, err := db.CleanOldReadings(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	readings, err := db.GetReadingsWithLimit(10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 2.0, *readings[0].ConsumptionW)
}
