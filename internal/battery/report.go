package battery

import (
	"encoding/json"
	"time"
)

// Report is the encoded form of Metrics. A failed metric is null and its
// error is listed in Errors.
type Report struct {
	FetchedAt time.Time `json:"fetched_at" yaml:"fetched_at"`

	ConsumptionW    *float64 `json:"consumption_w" yaml:"consumption_w"`
	ProductionW     *float64 `json:"production_w" yaml:"production_w"`
	UserSOC         *float64 `json:"user_soc_percent" yaml:"user_soc_percent"`
	RelativeSOC     *float64 `json:"relative_soc_percent" yaml:"relative_soc_percent"`
	ConsumptionAvgW *float64 `json:"consumption_avg_w" yaml:"consumption_avg_w"`

	ChargingW    *float64 `json:"charging_w" yaml:"charging_w"`
	DischargingW *float64 `json:"discharging_w" yaml:"discharging_w"`
	GridInW      *float64 `json:"grid_in_w" yaml:"grid_in_w"`
	GridOutW     *float64 `json:"grid_out_w" yaml:"grid_out_w"`

	RemainingCapacityWh  *float64 `json:"remaining_capacity_wh" yaml:"remaining_capacity_wh"`
	FullChargeCapacityWh *float64 `json:"full_charge_capacity_wh" yaml:"full_charge_capacity_wh"`
	InstalledModules     *int     `json:"installed_modules" yaml:"installed_modules"`
	SecondsSinceFull     *int64   `json:"seconds_since_full" yaml:"seconds_since_full"`

	TimeToEmpty   *string `json:"time_to_empty" yaml:"time_to_empty"`
	TimeToFull    *string `json:"time_to_full" yaml:"time_to_full"`
	TimeSinceFull *string `json:"time_since_full" yaml:"time_since_full"`

	SystemStatus string `json:"system_status,omitempty" yaml:"system_status,omitempty"`

	Errors map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func present[T any](m *Metrics, name Metric, v T) *T {
	if m.Err(name) != nil {
		return nil
	}
	return &v
}

// Report returns the metrics with every failed metric set to nil.
func (m *Metrics) Report() Report {
	return Report{
		FetchedAt:            m.FetchedAt,
		ConsumptionW:         present(m, MetricConsumption, m.ConsumptionW),
		ProductionW:          present(m, MetricProduction, m.ProductionW),
		UserSOC:              present(m, MetricUserSOC, m.UserSOC),
		RelativeSOC:          present(m, MetricRelativeSOC, m.RelativeSOC),
		ConsumptionAvgW:      present(m, MetricConsumptionAvg, m.ConsumptionAvgW),
		ChargingW:            present(m, MetricCharging, m.ChargingW),
		DischargingW:         present(m, MetricDischarging, m.DischargingW),
		GridInW:              present(m, MetricGridIn, m.GridInW),
		GridOutW:             present(m, MetricGridOut, m.GridOutW),
		RemainingCapacityWh:  present(m, MetricRemainingCapacity, m.RemainingCapacityWh),
		FullChargeCapacityWh: present(m, MetricFullChargeCapacity, m.FullChargeCapacityWh),
		InstalledModules:     present(m, MetricInstalledModules, m.InstalledModules),
		SecondsSinceFull:     present(m, MetricSecondsSinceFull, m.SecondsSinceFull),
		TimeToEmpty:          present(m, MetricTimeToEmpty, m.TimeToEmpty),
		TimeToFull:           present(m, MetricTimeToFull, m.TimeToFull),
		TimeSinceFull:        present(m, MetricTimeSinceFull, m.TimeSinceFull),
		SystemStatus:         m.SystemStatus,
		Errors:               m.ErrorStrings(),
	}
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Report())
}

func (m Metrics) MarshalYAML() (interface{}, error) {
	return m.Report(), nil
}
