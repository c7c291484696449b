// Package dashboard renders the household, grid and battery panels in the
// terminal.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sonnen-monitor/internal/battery"
)

const (
	notAvailable    = "n/a"
	waitingText     = "waiting for first reading"
	defaultInterval = 3 * time.Second
)

// Source provides the derived metrics of the current snapshot.
type Source interface {
	Metrics() (*battery.Metrics, error)
}

// Limits are the full-scale values of the bars in watts.
type Limits struct {
	BatteryMaxW  float64
	GridMaxW     float64
	InverterMaxW float64
	HouseMaxW    float64
}

type tickMsg time.Time

// Model is the bubbletea model of the dashboard. Every tick reads the store
// once and all panels render from that read.
type Model struct {
	source   Source
	limits   Limits
	interval time.Duration
	width    int

	metrics *battery.Metrics
	err     error
}

func NewModel(source Source, limits Limits, interval time.Duration) Model {
	if interval <= 0 {
		interval = defaultInterval
	}
	return Model{
		source:   source,
		limits:   limits,
		interval: interval,
		err:      battery.ErrNotInitialized,
	}
}

func (m Model) Init() tea.Cmd {
	return func() tea.Msg { return tickMsg(time.Now()) }
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.metrics, m.err = m.source.Metrics()
		return m, m.tick()
	}
	return m, nil
}

func (m Model) View() string {
	help := helpStyle.Render("press q to quit")

	if m.err != nil {
		text := waitingText
		if !errors.Is(m.err, battery.ErrNotInitialized) {
			text = m.err.Error()
		}
		return text + "\n\n" + help + "\n"
	}

	left := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Household details"),
		m.box(m.housePanel()),
		titleStyle.Render("Grid details"),
		m.box(m.gridPanel()),
	)
	right := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Battery details"),
		m.box(m.batteryPanel()),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right) + "\n" + help + "\n"
}

func (m Model) box(content string) string {
	style := boxStyle
	if w := m.width/2 - 4; w > barWidth+12 {
		style = style.Width(w)
	}
	return style.Render(content)
}

// value returns nil when the metric failed.
func (m Model) value(name battery.Metric, v float64) *float64 {
	if m.metrics.Err(name) != nil {
		return nil
	}
	return &v
}

func (m Model) text(name battery.Metric, v string) string {
	if m.metrics.Err(name) != nil {
		return notAvailable
	}
	return v
}

func (m Model) housePanel() string {
	return strings.Join([]string{
		"Power production",
		bar(m.value(battery.MetricProduction, m.metrics.ProductionW), m.limits.InverterMaxW, completeStyle, watts),
		"House consumption",
		bar(m.value(battery.MetricConsumption, m.metrics.ConsumptionW), m.limits.HouseMaxW, completeStyle, watts),
	}, "\n")
}

func (m Model) gridPanel() string {
	return strings.Join([]string{
		"Grid feed in",
		bar(m.value(battery.MetricGridIn, m.metrics.GridInW), m.limits.GridMaxW, completeStyle, watts),
		"Power from grid",
		bar(m.value(battery.MetricGridOut, m.metrics.GridOutW), m.limits.GridMaxW, completeStyle, watts),
	}, "\n")
}

func (m Model) batteryPanel() string {
	mt := m.metrics

	usocStyle := completeStyle
	if mt.Err(battery.MetricUserSOC) == nil {
		usocStyle = levelStyles[LevelFor(mt.UserSOC, 100)]
	}

	return strings.Join([]string{
		fmt.Sprintf("Remaining power in battery: %s Wh",
			m.text(battery.MetricRemainingCapacity, formatNumber(mt.RemainingCapacityWh))),
		fmt.Sprintf("Installed modules: %s",
			m.text(battery.MetricInstalledModules, fmt.Sprint(mt.InstalledModules))),
		fmt.Sprintf("Time to discharged: %s", m.text(battery.MetricTimeToEmpty, mt.TimeToEmpty)),
		fmt.Sprintf("Time to fully charged: %s", m.text(battery.MetricTimeToFull, mt.TimeToFull)),
		fmt.Sprintf("Time since full: %s", m.text(battery.MetricTimeSinceFull, mt.TimeSinceFull)),
		"Battery SoC",
		bar(m.value(battery.MetricUserSOC, mt.UserSOC), 100, usocStyle, percent),
		"Battery discharge",
		bar(m.value(battery.MetricDischarging, mt.DischargingW), m.limits.BatteryMaxW, completeStyle, watts),
		"Battery charging",
		bar(m.value(battery.MetricCharging, mt.ChargingW), m.limits.BatteryMaxW, completeStyle, watts),
	}, "\n")
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
