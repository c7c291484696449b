package battery

import (
	"math"
	"time"
)

// The device reports RemainingCapacity_Wh at twice its real value and the
// reserve below ReserveWh cannot be drawn.
const (
	remainingCapacityDivisor = 2
	ReserveWh                = 2300

	// chargingDeadbandW keeps the inverter's idle -1 W reading from showing as charging.
	chargingDeadbandW = -1
)

// ConsumptionW is the house consumption in watts.
func (s *Snapshot) ConsumptionW() (float64, error) {
	return s.field(PayloadLatestData, KeyConsumption, s.Details.ConsumptionW)
}

// ProductionW is the solar production in watts.
func (s *Snapshot) ProductionW() (float64, error) {
	return s.field(PayloadLatestData, KeyProduction, s.Details.ProductionW)
}

// UserSOC is the user state of charge in percent.
func (s *Snapshot) UserSOC() (float64, error) {
	return s.field(PayloadLatestData, KeyUSOC, s.Details.USOC)
}

// RelativeSOC is the relative state of charge in percent.
func (s *Snapshot) RelativeSOC() (float64, error) {
	return s.field(PayloadLatestData, KeyRSOC, s.Details.RSOC)
}

// ConsumptionAvgW is the device's averaged house consumption in watts.
func (s *Snapshot) ConsumptionAvgW() (float64, error) {
	return s.field(PayloadStatus, KeyConsumptionAvg, s.Status.ConsumptionAvg)
}

// FullChargeCapacityWh is the capacity of the whole system in watt-hours.
func (s *Snapshot) FullChargeCapacityWh() (float64, error) {
	return s.field(PayloadLatestData, KeyFullChargeCapacity, s.Details.FullChargeCapacity)
}

// InstalledModules is the number of battery modules in the system.
func (s *Snapshot) InstalledModules() (int, error) {
	v, err := s.icStatusField(KeyModulesInstalled, func(ic *ICStatus) *float64 { return ic.NrBatteryModules })
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// SecondsSinceFull is the time since the last full charge in seconds.
func (s *Snapshot) SecondsSinceFull() (int64, error) {
	v, err := s.icStatusField(KeySecondsSinceFullCharge, func(ic *ICStatus) *float64 { return ic.SecondsSinceFullCharge })
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, &InvalidFieldError{Key: KeySecondsSinceFullCharge, Value: v, Reason: "must not be negative"}
	}
	return int64(v), nil
}

// ChargingW is the power flowing into the battery in watts.
func (s *Snapshot) ChargingW() (float64, error) {
	pac, err := s.pacTotal()
	if err != nil {
		return 0, err
	}
	return chargingW(pac), nil
}

// DischargingW is the power drawn from the battery in watts.
func (s *Snapshot) DischargingW() (float64, error) {
	pac, err := s.pacTotal()
	if err != nil {
		return 0, err
	}
	return dischargingW(pac), nil
}

// GridInW is the positive part of the grid feed-in value.
func (s *Snapshot) GridInW() (float64, error) {
	feed, err := s.gridFeedIn()
	if err != nil {
		return 0, err
	}
	return gridInW(feed), nil
}

// GridOutW is the magnitude of a negative grid feed-in value.
func (s *Snapshot) GridOutW() (float64, error) {
	feed, err := s.gridFeedIn()
	if err != nil {
		return 0, err
	}
	return gridOutW(feed), nil
}

// RemainingCapacityWh is the usable energy left in the battery. It goes
// negative when the reserve exceeds the reported charge.
func (s *Snapshot) RemainingCapacityWh() (float64, error) {
	raw, err := s.rawRemainingCapacity()
	if err != nil {
		return 0, err
	}
	return remainingCapacityWh(raw), nil
}

// TimeToEmpty estimates how long the battery lasts at the current discharge rate.
func (s *Snapshot) TimeToEmpty() (string, error) {
	remaining, err := s.RemainingCapacityWh()
	if err != nil {
		return "", err
	}
	discharging, err := s.DischargingW()
	if err != nil {
		return "", err
	}
	return timeToEmpty(remaining, discharging), nil
}

// TimeToFull estimates how long the battery needs to reach full charge at the
// current charge rate.
func (s *Snapshot) TimeToFull() (string, error) {
	full, err := s.FullChargeCapacityWh()
	if err != nil {
		return "", err
	}
	remaining, err := s.RemainingCapacityWh()
	if err != nil {
		return "", err
	}
	charging, err := s.ChargingW()
	if err != nil {
		return "", err
	}
	return timeToFull(full, remaining, charging), nil
}

// TimeSinceFull formats SecondsSinceFull as "D days - HH:MM:SS".
func (s *Snapshot) TimeSinceFull() (string, error) {
	seconds, err := s.SecondsSinceFull()
	if err != nil {
		return "", err
	}
	return timeSinceFull(seconds), nil
}

func chargingW(pac float64) float64 {
	if pac < chargingDeadbandW {
		return math.Abs(pac)
	}
	return 0
}

func dischargingW(pac float64) float64 {
	if pac > 0 {
		return math.Abs(pac)
	}
	return 0
}

func gridInW(feed float64) float64 {
	if feed > 0 {
		return feed
	}
	return 0
}

func gridOutW(feed float64) float64 {
	if feed < 0 {
		return math.Abs(feed)
	}
	return 0
}

func remainingCapacityWh(raw float64) float64 {
	return raw/remainingCapacityDivisor - ReserveWh
}

// Metric names a derived quantity.
type Metric string

const (
	MetricConsumption        Metric = "consumption_w"
	MetricProduction         Metric = "production_w"
	MetricUserSOC            Metric = "user_soc_percent"
	MetricRelativeSOC        Metric = "relative_soc_percent"
	MetricConsumptionAvg     Metric = "consumption_avg_w"
	MetricCharging           Metric = "charging_w"
	MetricDischarging        Metric = "discharging_w"
	MetricGridIn             Metric = "grid_in_w"
	MetricGridOut            Metric = "grid_out_w"
	MetricRemainingCapacity  Metric = "remaining_capacity_wh"
	MetricFullChargeCapacity Metric = "full_charge_capacity_wh"
	MetricInstalledModules   Metric = "installed_modules"
	MetricSecondsSinceFull   Metric = "seconds_since_full"
	MetricTimeToEmpty        Metric = "time_to_empty"
	MetricTimeToFull         Metric = "time_to_full"
	MetricTimeSinceFull      Metric = "time_since_full"
)

// NumericMetrics lists the metrics with a numeric value, in display order.
var NumericMetrics = []Metric{
	MetricConsumption,
	MetricProduction,
	MetricUserSOC,
	MetricRelativeSOC,
	MetricConsumptionAvg,
	MetricCharging,
	MetricDischarging,
	MetricGridIn,
	MetricGridOut,
	MetricRemainingCapacity,
	MetricFullChargeCapacity,
	MetricInstalledModules,
	MetricSecondsSinceFull,
}

// Metrics holds every derived quantity of one snapshot. A metric whose inputs
// were missing or invalid has its zero value and an entry in Errors. Metrics
// encodes as its Report, so failed metrics are never written as zeros.
type Metrics struct {
	FetchedAt time.Time

	ConsumptionW    float64
	ProductionW     float64
	UserSOC         float64
	RelativeSOC     float64
	ConsumptionAvgW float64

	ChargingW    float64
	DischargingW float64
	GridInW      float64
	GridOutW     float64

	RemainingCapacityWh  float64
	FullChargeCapacityWh float64
	InstalledModules     int
	SecondsSinceFull     int64

	TimeToEmpty   string
	TimeToFull    string
	TimeSinceFull string

	SystemStatus string

	Errors map[Metric]error
}

// Derive computes all metrics of a snapshot. A failing metric never stops the
// others from being computed.
func Derive(s *Snapshot) *Metrics {
	m := &Metrics{
		FetchedAt:    s.FetchedAt,
		SystemStatus: s.Status.SystemStatus,
		Errors:       make(map[Metric]error),
	}

	ok := func(name Metric, err error) bool {
		if err != nil {
			m.Errors[name] = err
			return false
		}
		return true
	}

	if v, err := s.ConsumptionW(); ok(MetricConsumption, err) {
		m.ConsumptionW = v
	}
	if v, err := s.ProductionW(); ok(MetricProduction, err) {
		m.ProductionW = v
	}
	if v, err := s.UserSOC(); ok(MetricUserSOC, err) {
		m.UserSOC = v
	}
	if v, err := s.RelativeSOC(); ok(MetricRelativeSOC, err) {
		m.RelativeSOC = v
	}
	if v, err := s.ConsumptionAvgW(); ok(MetricConsumptionAvg, err) {
		m.ConsumptionAvgW = v
	}
	if v, err := s.ChargingW(); ok(MetricCharging, err) {
		m.ChargingW = v
	}
	if v, err := s.DischargingW(); ok(MetricDischarging, err) {
		m.DischargingW = v
	}
	if v, err := s.GridInW(); ok(MetricGridIn, err) {
		m.GridInW = v
	}
	if v, err := s.GridOutW(); ok(MetricGridOut, err) {
		m.GridOutW = v
	}
	if v, err := s.RemainingCapacityWh(); ok(MetricRemainingCapacity, err) {
		m.RemainingCapacityWh = v
	}
	if v, err := s.FullChargeCapacityWh(); ok(MetricFullChargeCapacity, err) {
		m.FullChargeCapacityWh = v
	}
	if v, err := s.InstalledModules(); ok(MetricInstalledModules, err) {
		m.InstalledModules = v
	}
	if v, err := s.SecondsSinceFull(); ok(MetricSecondsSinceFull, err) {
		m.SecondsSinceFull = v
	}
	if v, err := s.TimeToEmpty(); ok(MetricTimeToEmpty, err) {
		m.TimeToEmpty = v
	}
	if v, err := s.TimeToFull(); ok(MetricTimeToFull, err) {
		m.TimeToFull = v
	}
	if v, err := s.TimeSinceFull(); ok(MetricTimeSinceFull, err) {
		m.TimeSinceFull = v
	}

	return m
}

// Err returns the error recorded for a metric, or nil.
func (m *Metrics) Err(name Metric) error {
	return m.Errors[name]
}

// Numeric returns the numeric metrics that were computed without error.
func (m *Metrics) Numeric() map[Metric]float64 {
	values := map[Metric]float64{
		MetricConsumption:        m.ConsumptionW,
		MetricProduction:         m.ProductionW,
		MetricUserSOC:            m.UserSOC,
		MetricRelativeSOC:        m.RelativeSOC,
		MetricConsumptionAvg:     m.ConsumptionAvgW,
		MetricCharging:           m.ChargingW,
		MetricDischarging:        m.DischargingW,
		MetricGridIn:             m.GridInW,
		MetricGridOut:            m.GridOutW,
		MetricRemainingCapacity:  m.RemainingCapacityWh,
		MetricFullChargeCapacity: m.FullChargeCapacityWh,
		MetricInstalledModules:   float64(m.InstalledModules),
		MetricSecondsSinceFull:   float64(m.SecondsSinceFull),
	}
	for name := range m.Errors {
		delete(values, name)
	}
	return values
}

// ErrorStrings returns the recorded errors keyed by metric name.
func (m *Metrics) ErrorStrings() map[string]string {
	out := make(map[string]string, len(m.Errors))
	for name, err := range m.Errors {
		out[string(name)] = err.Error()
	}
	return out
}
