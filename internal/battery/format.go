package battery

import (
	"fmt"
	"math"
)

// ZeroDuration is reported when the battery is neither charging nor
// discharging and no estimate can be made.
const ZeroDuration = "0:0"

// timeToEmpty divides the remaining usable energy by the discharge rate.
// Minutes are not zero padded.
func timeToEmpty(remainingWh, dischargingW float64) string {
	if dischargingW == 0 {
		return ZeroDuration
	}
	hours := int64(remainingWh / dischargingW)
	rest := flooredMod(remainingWh, dischargingW)
	var minutes int64
	if rest > 0 {
		minutes = int64(rest / dischargingW * 60)
	}
	return fmt.Sprintf("%d:%d", hours, minutes)
}

// timeToFull divides the energy still missing to full charge by the charge rate.
func timeToFull(fullWh, remainingWh, chargingW float64) string {
	if chargingW == 0 {
		return ZeroDuration
	}
	toCharge := fullWh - remainingWh
	hours := int64(toCharge / chargingW)
	minutes := int64(flooredMod(toCharge, chargingW) / chargingW * 60)
	return fmt.Sprintf("%d:%d", hours, minutes)
}

func timeSinceFull(totalSeconds int64) string {
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	totalHours := totalMinutes / 60
	hours := totalHours % 24
	days := totalHours / 24
	return fmt.Sprintf("%d days - %02d:%02d:%02d", days, hours, minutes, seconds)
}

// flooredMod returns a mod b with the sign of b.
func flooredMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}
