package emissions

import (
	"fmt"
	"strings"
)

// unitScale maps unit aliases to a canonical base within their group.
// Conversion is only valid inside one group.
var unitScale = map[string]struct {
	group string
	scale float64
}{
	"g":      {"mass", 0.001},
	"kg":     {"mass", 1},
	"t":      {"mass", 1000},
	"tonne":  {"mass", 1000},
	"tonnes": {"mass", 1000},
	"wh":     {"energy", 0.001},
	"kwh":    {"energy", 1},
	"mwh":    {"energy", 1000},
	"l":      {"volume", 1},
	"liter":  {"volume", 1},
	"liters": {"volume", 1},
	"litre":  {"volume", 1},
	"litres": {"volume", 1},
	"gal":    {"volume", 3.785},
	"m":      {"distance", 0.001},
	"km":     {"distance", 1},
	"mi":     {"distance", 1.609},
	"miles":  {"distance", 1.609},
	"m3":     {"gas_volume", 1},
}

// convertQuantity converts quantity from one unit to another within the
// same unit group. ok is false when no conversion is known.
func convertQuantity(quantity float64, from, to string) (float64, bool) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))

	if from == to {
		return quantity, true
	}

	f, okFrom := unitScale[from]
	t, okTo := unitScale[to]
	if !okFrom || !okTo || f.group != t.group {
		return 0, false
	}
	return quantity * f.scale / t.scale, true
}

// computeProcess does the emission arithmetic for one activity. All math
// happens here; the model never produces numbers that end up in totals.
// The returned emissions are kg CO2e.
func computeProcess(activity Activity, factor Factor) (Process, float64, string) {
	quantity := activity.Quantity
	unit := activity.Unit
	var assumption string

	if converted, ok := convertQuantity(quantity, activity.Unit, factor.Unit); ok {
		if !strings.EqualFold(strings.TrimSpace(activity.Unit), strings.TrimSpace(factor.Unit)) {
			assumption = fmt.Sprintf("Converted %s %s to %s %s for activity %q.",
				formatQuantity(quantity), activity.Unit, formatQuantity(converted), factor.Unit, activity.Name)
		}
		quantity = converted
		unit = factor.Unit
	} else {
		assumption = fmt.Sprintf("Unit %q for activity %q does not convert to factor unit %q; quantity applied as-is.",
			activity.Unit, activity.Name, factor.Unit)
		unit = factor.Unit
	}

	emissions := quantity * factor.Value

	process := Process{
		Name:        activity.Name,
		Description: activity.Description,
		Parameters: Parameters{
			Quantity:       fmt.Sprintf("%s %s", formatQuantity(quantity), unit),
			EmissionFactor: fmt.Sprintf("%s kg CO2e/%s", formatQuantity(factor.Value), factor.Unit),
			Calculation: fmt.Sprintf("%s %s * %s kg CO2e/%s = %s kg CO2e",
				formatQuantity(quantity), unit,
				formatQuantity(factor.Value), factor.Unit,
				formatQuantity(emissions)),
			TotalEmissions: emissions,
		},
	}

	return process, emissions, assumption
}

func formatQuantity(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
