package playbook

import (
	"math"

	"github.com/ashita-ai/kaji/internal/event"
)

// Magnitude thresholds for the delta decision table.
const (
	skuDeltaThreshold     = 0.08
	networkDeltaThreshold = 0.02
	reviewDeltaThreshold  = 0.05
)

// SelectForDelta maps a forecast delta to a playbook name. The table keys on
// the delta's level and magnitude; same input always yields the same name.
func SelectForDelta(ev event.ForecastDeltaDetected) string {
	magnitude := math.Abs(ev.Delta.Value)
	down := ev.Delta.Value < 0

	switch ev.Delta.Level {
	case "sku":
		if magnitude >= skuDeltaThreshold {
			if down {
				return "sku_demand_down"
			}
			return "sku_demand_up"
		}
	case "global", "region":
		if magnitude >= networkDeltaThreshold {
			if down {
				return "network_demand_down"
			}
			return "network_demand_up"
		}
	}

	if magnitude >= reviewDeltaThreshold {
		return "demand_shift_review"
	}
	return "minor_variance_log"
}
