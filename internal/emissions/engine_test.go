package emissions

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.reply), out)
}

type fakeFactors struct {
	factors  map[string]Factor
	fellBack bool
}

func (f *fakeFactors) Lookup(ctx context.Context, category, region string) (Factor, bool, error) {
	factor, ok := f.factors[category]
	if !ok {
		return Factor{}, false, fmt.Errorf("no emission factor for category %q", category)
	}
	return factor, f.fellBack, nil
}

func TestCalculateWasteAndTransportScenario(t *testing.T) {
	completer := &fakeCompleter{reply: `{
		"activities": [
			{"name": "plastic bag disposal", "description": "20 kg of plastic bags sent to landfill", "category": "waste", "quantity": 20, "unit": "kg", "scope": 3},
			{"name": "truck transport", "description": "20 km delivery by diesel truck", "category": "road_freight", "quantity": 20, "unit": "km", "scope": 3}
		]
	}`}
	factors := &fakeFactors{factors: map[string]Factor{
		"waste":        {Category: "waste", Value: 0.587, Unit: "kg", Source: "landfill dataset"},
		"road_freight": {Category: "road_freight", Value: 0.107, Unit: "km", Source: "freight dataset"},
	}}

	engine := NewEngine(completer, factors, 0.01)

	report, err := engine.Calculate(context.Background(), "We disposed of 20 kg of plastic bags and drove them 20 km to the landfill.")
	require.NoError(t, err)

	require.Len(t, report.EmissionSources, 2)
	assert.InDelta(t, 20*0.587, report.EmissionSources[0].TotalEmissions, 1e-9)
	assert.InDelta(t, 20*0.107, report.EmissionSources[1].TotalEmissions, 1e-9)

	assert.InDelta(t, 0, report.TotalScope1, 1e-9)
	assert.InDelta(t, 0, report.TotalScope2, 1e-9)
	assert.InDelta(t, 20*0.587+20*0.107, report.TotalScope3, 1e-9)

	assert.Contains(t, report.DataSources, "landfill dataset")
	assert.Contains(t, report.DataSources, "freight dataset")

	proc := report.EmissionSources[0].Processes[0]
	assert.Equal(t, "20 kg", proc.Parameters.Quantity)
	assert.Equal(t, "0.587 kg CO2e/kg", proc.Parameters.EmissionFactor)
	assert.Contains(t, proc.Parameters.Calculation, "= 11.74 kg CO2e")
}

func TestCalculateGroupsActivitiesBySourceAndScope(t *testing.T) {
	completer := &fakeCompleter{reply: `{
		"activities": [
			{"name": "office electricity", "category": "electricity", "quantity": 100, "unit": "kWh", "scope": 2},
			{"name": "warehouse electricity", "category": "electricity", "quantity": 50, "unit": "kWh", "scope": 2},
			{"name": "boiler gas", "category": "natural_gas", "quantity": 200, "unit": "kWh", "scope": 1}
		]
	}`}
	factors := &fakeFactors{factors: map[string]Factor{
		"electricity": {Category: "electricity", Value: 0.475, Unit: "kWh", Source: "grid"},
		"natural_gas": {Category: "natural_gas", Value: 0.198, Unit: "kWh", Source: "gas"},
	}}

	report, err := NewEngine(completer, factors, 0.01).Calculate(context.Background(), "energy usage")
	require.NoError(t, err)

	require.Len(t, report.EmissionSources, 2)
	assert.Len(t, report.EmissionSources[0].Processes, 2)
	assert.InDelta(t, 150*0.475, report.TotalScope2, 1e-9)
	assert.InDelta(t, 200*0.198, report.TotalScope1, 1e-9)
}

func TestCalculateDefaultsInvalidScope(t *testing.T) {
	completer := &fakeCompleter{reply: `{
		"activities": [{"name": "courier", "category": "vehicle_gasoline", "quantity": 10, "unit": "L", "scope": 7}]
	}`}
	factors := &fakeFactors{factors: map[string]Factor{
		"vehicle_gasoline": {Category: "vehicle_gasoline", Value: 2.31, Unit: "L", Source: "fuel"},
	}}

	report, err := NewEngine(completer, factors, 0.01).Calculate(context.Background(), "courier fuel")
	require.NoError(t, err)

	assert.InDelta(t, 23.1, report.TotalScope3, 1e-9)
	require.NotEmpty(t, report.Assumptions)
	assert.Contains(t, report.Assumptions[0], "defaulted to scope 3")
}

func TestCalculateRejectsEmptyActivities(t *testing.T) {
	completer := &fakeCompleter{reply: `{"activities": []}`}

	_, err := NewEngine(completer, &fakeFactors{}, 0.01).Calculate(context.Background(), "nothing here")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActivityParse)
}

func TestCalculateFallbackFactorIsDisclosed(t *testing.T) {
	completer := &fakeCompleter{reply: `{
		"activities": [{"name": "grid power", "category": "electricity", "quantity": 10, "unit": "kWh", "scope": 2}]
	}`}
	factors := &fakeFactors{
		factors:  map[string]Factor{"electricity": {Category: "electricity", Value: 0.475, Unit: "kWh", Source: "built-in grid average"}},
		fellBack: true,
	}

	report, err := NewEngine(completer, factors, 0.01).Calculate(context.Background(), "power")
	require.NoError(t, err)

	require.NotEmpty(t, report.Assumptions)
	assert.Contains(t, report.Assumptions[0], "built-in table")
}

func TestValidateCatchesTamperedTotals(t *testing.T) {
	report := &Report{
		EmissionSources: []Source{{
			Source: "electricity",
			Scope:  2,
			Processes: []Process{
				{Parameters: Parameters{TotalEmissions: 57.0}},
			},
			TotalEmissions: 57.0,
		}},
		TotalScope2: 9000.0,
	}

	err := Validate(report, 0.01)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentTotals)
}

func TestValidateToleratesRoundingWithinEpsilon(t *testing.T) {
	report := &Report{
		EmissionSources: []Source{{
			Source: "electricity",
			Scope:  2,
			Processes: []Process{
				{Parameters: Parameters{TotalEmissions: 57.004}},
			},
			TotalEmissions: 57.0,
		}},
		TotalScope2: 57.0,
	}

	assert.NoError(t, Validate(report, 0.01))
}
