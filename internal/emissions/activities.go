package emissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrActivityParse means the model's activity extraction did not match
// the required shape. Callers must not retry with the same input.
var ErrActivityParse = errors.New("activity extraction failed")

// Activity is one emission-producing activity pulled out of a
// description or document. Category names line up with the emission
// factor tables.
type Activity struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	Region      string  `json:"region,omitempty"`
	Scope       int     `json:"scope"`
}

type activityEnvelope struct {
	Activities []Activity `json:"activities"`
}

const activityExtractionSystem = `You are a greenhouse gas accounting analyst. Extract every emission-producing activity from the user's text.

Respond with ONLY a JSON object of this exact shape:
{"activities": [{"name": "...", "description": "...", "category": "...", "quantity": 0.0, "unit": "...", "region": "...", "scope": 1}]}

Rules:
- category must be one of: electricity, natural_gas, fuel_oil, vehicle_gasoline, vehicle_diesel, air_travel_short, air_travel_medium, air_travel_long, waste, water, other
- quantity is the numeric amount, unit is its unit (kWh, m3, L, km, kg, t)
- region is the country or grid region when the text states one, otherwise ""
- scope is 1 for direct combustion, 2 for purchased energy, 3 for everything else
- do not invent activities that are not in the text`

// normalizeActivities validates and repairs a parsed activity list.
// Invalid scopes default to 3 and get an assumption entry; activities
// with no usable quantity are rejected.
func normalizeActivities(env activityEnvelope) ([]Activity, []string, error) {
	if len(env.Activities) == 0 {
		return nil, nil, fmt.Errorf("%w: no activities extracted", ErrActivityParse)
	}

	var assumptions []string
	activities := make([]Activity, 0, len(env.Activities))

	for i, a := range env.Activities {
		a.Name = strings.TrimSpace(a.Name)
		a.Category = strings.TrimSpace(strings.ToLower(a.Category))
		a.Unit = strings.TrimSpace(a.Unit)
		a.Region = strings.TrimSpace(a.Region)

		if a.Name == "" {
			return nil, nil, fmt.Errorf("%w: activity %d has no name", ErrActivityParse, i)
		}
		if a.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: activity %q has non-positive quantity", ErrActivityParse, a.Name)
		}
		if a.Category == "" {
			a.Category = "other"
			assumptions = append(assumptions, fmt.Sprintf("Activity %q had no category; classified as other.", a.Name))
		}
		if a.Scope < 1 || a.Scope > 3 {
			assumptions = append(assumptions, fmt.Sprintf("Activity %q had no valid scope; defaulted to scope 3.", a.Name))
			a.Scope = 3
		}

		activities = append(activities, a)
	}

	return activities, assumptions, nil
}

// decodeActivities parses raw model JSON into activities, distinguishing
// shape errors from validation errors only in the message.
func decodeActivities(raw []byte) ([]Activity, []string, error) {
	var env activityEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrActivityParse, err)
	}
	return normalizeActivities(env)
}
