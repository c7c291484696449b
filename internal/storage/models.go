package storage

import (
	"time"

	"gorm.io/gorm"
)

// BatteryReading is one refresh of the derived metrics. A column is NULL when
// the metric could not be derived from that snapshot.
type BatteryReading struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	// House
	ConsumptionW    *float64 `json:"consumption_w"`
	ProductionW     *float64 `json:"production_w"`
	ConsumptionAvgW *float64 `json:"consumption_avg_w"`

	// Battery
	UserSOC              *float64 `gorm:"column:user_soc" json:"user_soc_percent"`
	RelativeSOC          *float64 `gorm:"column:relative_soc" json:"relative_soc_percent"`
	ChargingW            *float64 `json:"charging_w"`
	DischargingW         *float64 `json:"discharging_w"`
	RemainingCapacityWh  *float64 `json:"remaining_capacity_wh"`
	FullChargeCapacityWh *float64 `json:"full_charge_capacity_wh"`
	InstalledModules     *int     `json:"installed_modules"`
	SecondsSinceFull     *int64   `json:"seconds_since_full"`

	// Grid
	GridInW  *float64 `json:"grid_in_w"`
	GridOutW *float64 `json:"grid_out_w"`

	SystemStatus string `json:"system_status"`
}

type DailyStats struct {
	Date                   time.Time `json:"date"`
	MaxChargingW           *float64  `json:"max_charging_w"`
	MaxDischargingW        *float64  `json:"max_discharging_w"`
	MaxGridInW             *float64  `json:"max_grid_in_w"`
	MaxGridOutW            *float64  `json:"max_grid_out_w"`
	AvgUserSOC             *float64  `json:"avg_user_soc_percent"`
	MinRemainingCapacityWh *float64  `json:"min_remaining_capacity_wh"`
	ReadingsCount          int64     `json:"readings_count"`
}
