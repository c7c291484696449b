package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sonnen-monitor/internal/battery"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&BatteryReading{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// Name implements collector.Sink.
func (d *Database) Name() string {
	return "database"
}

// Write implements collector.Sink.
func (d *Database) Write(ctx context.Context, m *battery.Metrics) error {
	return d.db.WithContext(ctx).Create(NewReading(m)).Error
}

// NewReading converts derived metrics into a row, leaving failed metrics NULL.
func NewReading(m *battery.Metrics) *BatteryReading {
	f := func(name battery.Metric, v float64) *float64 {
		if m.Err(name) != nil {
			return nil
		}
		return &v
	}

	r := &BatteryReading{
		Timestamp:            m.FetchedAt,
		ConsumptionW:         f(battery.MetricConsumption, m.ConsumptionW),
		ProductionW:          f(battery.MetricProduction, m.ProductionW),
		ConsumptionAvgW:      f(battery.MetricConsumptionAvg, m.ConsumptionAvgW),
		UserSOC:              f(battery.MetricUserSOC, m.UserSOC),
		RelativeSOC:          f(battery.MetricRelativeSOC, m.RelativeSOC),
		ChargingW:            f(battery.MetricCharging, m.ChargingW),
		DischargingW:         f(battery.MetricDischarging, m.DischargingW),
		RemainingCapacityWh:  f(battery.MetricRemainingCapacity, m.RemainingCapacityWh),
		FullChargeCapacityWh: f(battery.MetricFullChargeCapacity, m.FullChargeCapacityWh),
		GridInW:              f(battery.MetricGridIn, m.GridInW),
		GridOutW:             f(battery.MetricGridOut, m.GridOutW),
		SystemStatus:         m.SystemStatus,
	}
	if m.Err(battery.MetricInstalledModules) == nil {
		modules := m.InstalledModules
		r.InstalledModules = &modules
	}
	if m.Err(battery.MetricSecondsSinceFull) == nil {
		seconds := m.SecondsSinceFull
		r.SecondsSinceFull = &seconds
	}
	return r
}

func (d *Database) GetLatestReading() (*BatteryReading, error) {
	var reading BatteryReading
	result := d.db.Order("timestamp desc").First(&reading)
	if result.Error != nil {
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) GetReadingsByRange(from, to time.Time) ([]BatteryReading, error) {
	var readings []BatteryReading
	result := d.db.Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp desc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetReadingsWithLimit(limit int) ([]BatteryReading, error) {
	var readings []BatteryReading
	result := d.db.Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

type dailyAggregate struct {
	MaxCharging    *float64
	MaxDischarging *float64
	MaxGridIn      *float64
	MaxGridOut     *float64
	AvgUserSOC     *float64
	MinRemaining   *float64
	ReadingsCount  int64
}

// GetDailyStats aggregates the readings of the day containing date. NULL
// columns are ignored by the aggregates.
func (d *Database) GetDailyStats(date time.Time) (*DailyStats, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	var agg dailyAggregate
	result := d.db.Model(&BatteryReading{}).
		Select(`MAX(charging_w) AS max_charging,
			MAX(discharging_w) AS max_discharging,
			MAX(grid_in_w) AS max_grid_in,
			MAX(grid_out_w) AS max_grid_out,
			AVG(user_soc) AS avg_user_soc,
			MIN(remaining_capacity_wh) AS min_remaining,
			COUNT(*) AS readings_count`).
		Where("timestamp >= ? AND timestamp < ?", startOfDay, endOfDay).
		Scan(&agg)
	if result.Error != nil {
		return nil, result.Error
	}

	return &DailyStats{
		Date:                   startOfDay,
		MaxChargingW:           agg.MaxCharging,
		MaxDischargingW:        agg.MaxDischarging,
		MaxGridInW:             agg.MaxGridIn,
		MaxGridOutW:            agg.MaxGridOut,
		AvgUserSOC:             agg.AvgUserSOC,
		MinRemainingCapacityWh: agg.MinRemaining,
		ReadingsCount:          agg.ReadingsCount,
	}, nil
}

func (d *Database) CleanOldReadings(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := d.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&BatteryReading{})
	return result.RowsAffected, result.Error
}

// Close implements collector.Sink.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
