package dashboard

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Level classifies how full a bar is.
type Level string

const (
	LevelEco      Level = "eco"
	LevelLow      Level = "low"
	LevelCritical Level = "critical"
)

// LevelFor returns eco above half of max, low above a fifth and critical
// otherwise.
func LevelFor(current, max float64) Level {
	switch {
	case current > max*0.5:
		return LevelEco
	case current > max*0.2:
		return LevelLow
	default:
		return LevelCritical
	}
}

const barWidth = 30

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Faint(true)
	emptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))

	// complete is the fill of the watt bars
	completeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	levelStyles = map[Level]lipgloss.Style{
		LevelEco:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		LevelLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		LevelCritical: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// bar renders current against max followed by label. A nil current renders
// an empty bar labelled n/a.
func bar(current *float64, max float64, fill lipgloss.Style, label func(float64) string) string {
	if current == nil {
		return emptyStyle.Render(strings.Repeat("░", barWidth)) + " " + notAvailable
	}

	ratio := 0.0
	if max > 0 {
		ratio = *current / max
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*barWidth + 0.5)

	return fill.Render(strings.Repeat("█", filled)) +
		emptyStyle.Render(strings.Repeat("░", barWidth-filled)) +
		" " + label(*current)
}

func watts(v float64) string {
	return formatNumber(v) + " W"
}

func percent(v float64) string {
	return formatNumber(v) + " %"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
