package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"sonnen-monitor/internal/battery"
)

// Source provides the derived metrics of the current snapshot.
type Source interface {
	Metrics() (*battery.Metrics, error)
}

var help = map[battery.Metric]string{
	battery.MetricConsumption:        "Current house consumption in watts",
	battery.MetricProduction:         "Current solar production in watts",
	battery.MetricUserSOC:            "Battery user state of charge (USOC) in percent",
	battery.MetricRelativeSOC:        "Battery relative state of charge (RSOC) in percent",
	battery.MetricConsumptionAvg:     "Average house consumption in watts",
	battery.MetricCharging:           "Battery charging power in watts",
	battery.MetricDischarging:        "Battery discharging power in watts",
	battery.MetricGridIn:             "Power fed into the grid in watts",
	battery.MetricGridOut:            "Power drawn from the grid in watts",
	battery.MetricRemainingCapacity:  "Usable remaining capacity above the reserve in watt-hours",
	battery.MetricFullChargeCapacity: "Battery full charge capacity in watt-hours",
	battery.MetricInstalledModules:   "Number of installed battery modules",
	battery.MetricSecondsSinceFull:   "Seconds since the battery was last fully charged",
}

// Exporter implements prometheus.Collector over the snapshot store. Values are
// derived at scrape time, so a scrape never triggers a device request.
type Exporter struct {
	source Source
	device string

	up    *prometheus.Desc
	descs map[battery.Metric]*prometheus.Desc
}

// NewExporter creates an exporter labelling every series with deviceName.
func NewExporter(source Source, deviceName string) *Exporter {
	e := &Exporter{
		source: source,
		device: deviceName,
		up: prometheus.NewDesc(
			"sonnen_up",
			"Whether a snapshot of the battery is available",
			[]string{"device"},
			nil,
		),
		descs: make(map[battery.Metric]*prometheus.Desc, len(battery.NumericMetrics)),
	}

	for _, name := range battery.NumericMetrics {
		e.descs[name] = prometheus.NewDesc(
			"sonnen_"+string(name),
			help[name],
			[]string{"device"},
			nil,
		)
	}
	return e
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	for _, name := range battery.NumericMetrics {
		ch <- e.descs[name]
	}
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	m, err := e.source.Metrics()
	if err != nil {
		ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 0, e.device)
		return
	}
	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, 1, e.device)

	values := m.Numeric()
	for _, name := range battery.NumericMetrics {
		v, ok := values[name]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.descs[name], prometheus.GaugeValue, v, e.device)
	}
}
