package emissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/generation"
	"github.com/carbonlens/backend/pkg/logger"
)

// ErrInconsistentTotals means the report's stated totals disagree with
// the sum of its own line items beyond the configured tolerance.
var ErrInconsistentTotals = errors.New("report totals inconsistent with line items")

// Report is the emission calculation output. Every number in it comes
// from local arithmetic over looked-up factors, never from model text.
type Report struct {
	ActivityDescription string   `json:"activity_description"`
	EmissionSources     []Source `json:"emission_sources"`
	TotalScope1         float64  `json:"total_scope_1_emissions"`
	TotalScope2         float64  `json:"total_scope_2_emissions"`
	TotalScope3         float64  `json:"total_scope_3_emissions"`
	Assumptions         []string `json:"assumptions"`
	DataSources         []string `json:"data_sources"`
}

type Source struct {
	Source         string    `json:"source"`
	Scope          int       `json:"scope"`
	Processes      []Process `json:"processes"`
	TotalEmissions float64   `json:"total_emissions"`
}

type Process struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Parameters shows the full arithmetic for one process so a reviewer can
// recheck every number by hand.
type Parameters struct {
	Quantity       string  `json:"quantity"`
	EmissionFactor string  `json:"emission_factor"`
	Calculation    string  `json:"calculation"`
	TotalEmissions float64 `json:"total_emissions"`
}

// JSONCompleter extracts structured data from text via a model.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, user string, out interface{}) error
}

// FactorLookup resolves a category (optionally narrowed by region) to an
// emission factor. The bool reports whether the built-in fallback
// answered instead of the API.
type FactorLookup interface {
	Lookup(ctx context.Context, category, region string) (Factor, bool, error)
}

type Engine struct {
	generator JSONCompleter
	factors   FactorLookup
	epsilon   float64
}

func NewEngine(generator JSONCompleter, factors FactorLookup, epsilon float64) *Engine {
	if epsilon <= 0 {
		epsilon = 0.01
	}
	return &Engine{
		generator: generator,
		factors:   factors,
		epsilon:   epsilon,
	}
}

// Calculate builds an emission report for a free-text activity
// description. The model only extracts activities; factors, arithmetic
// and totals are all computed here, then reconciled before returning.
func (e *Engine) Calculate(ctx context.Context, description string) (*Report, error) {
	var raw json.RawMessage
	if err := e.generator.CompleteJSON(ctx, activityExtractionSystem, description, &raw); err != nil {
		if errors.Is(err, generation.ErrSchemaValidation) {
			return nil, fmt.Errorf("%w: %v", ErrActivityParse, err)
		}
		return nil, fmt.Errorf("extract activities: %w", err)
	}

	activities, assumptions, err := decodeActivities(raw)
	if err != nil {
		return nil, err
	}

	report, err := e.buildReport(ctx, description, activities, assumptions)
	if err != nil {
		return nil, err
	}

	if err := Validate(report, e.epsilon); err != nil {
		return nil, err
	}

	logger.Info("Emission report calculated",
		zap.Int("activities", len(activities)),
		zap.Float64("scope1_kg", report.TotalScope1),
		zap.Float64("scope2_kg", report.TotalScope2),
		zap.Float64("scope3_kg", report.TotalScope3),
	)
	return report, nil
}

func (e *Engine) buildReport(ctx context.Context, description string, activities []Activity, assumptions []string) (*Report, error) {
	type sourceKey struct {
		category string
		scope    int
	}

	sources := make(map[sourceKey]*Source)
	var keys []sourceKey
	dataSources := make(map[string]bool)
	scopeTotals := [4]float64{}

	for _, activity := range activities {
		factor, fellBack, err := e.factors.Lookup(ctx, activity.Category, activity.Region)
		if err != nil {
			return nil, fmt.Errorf("activity %q: %w", activity.Name, err)
		}
		if fellBack {
			assumptions = append(assumptions, fmt.Sprintf(
				"Emission factor for %q taken from built-in table (%s).", activity.Category, factor.Source))
		}
		dataSources[factor.Source] = true

		process, emissions, assumption := computeProcess(activity, factor)
		if assumption != "" {
			assumptions = append(assumptions, assumption)
		}

		key := sourceKey{category: activity.Category, scope: activity.Scope}
		src, ok := sources[key]
		if !ok {
			src = &Source{Source: activity.Category, Scope: activity.Scope}
			sources[key] = src
			keys = append(keys, key)
		}
		src.Processes = append(src.Processes, process)
		src.TotalEmissions += emissions
		scopeTotals[activity.Scope] += emissions
	}

	report := &Report{
		ActivityDescription: description,
		TotalScope1:         scopeTotals[1],
		TotalScope2:         scopeTotals[2],
		TotalScope3:         scopeTotals[3],
		Assumptions:         assumptions,
	}
	for _, key := range keys {
		report.EmissionSources = append(report.EmissionSources, *sources[key])
	}

	for source := range dataSources {
		report.DataSources = append(report.DataSources, source)
	}
	sort.Strings(report.DataSources)

	return report, nil
}

// Validate recomputes every total in the report from its line items and
// rejects the report when any stated total drifts more than epsilon kg
// CO2e from the recomputed value.
func Validate(report *Report, epsilon float64) error {
	scopeSums := [4]float64{}

	for _, src := range report.EmissionSources {
		if src.Scope < 1 || src.Scope > 3 {
			return fmt.Errorf("%w: source %q has invalid scope %d", ErrInconsistentTotals, src.Source, src.Scope)
		}

		var sum float64
		for _, p := range src.Processes {
			sum += p.Parameters.TotalEmissions
		}
		if math.Abs(sum-src.TotalEmissions) > epsilon {
			return fmt.Errorf("%w: source %q states %.4f kg, processes sum to %.4f kg",
				ErrInconsistentTotals, src.Source, src.TotalEmissions, sum)
		}
		scopeSums[src.Scope] += src.TotalEmissions
	}

	stated := [4]float64{0, report.TotalScope1, report.TotalScope2, report.TotalScope3}
	for scope := 1; scope <= 3; scope++ {
		if math.Abs(scopeSums[scope]-stated[scope]) > epsilon {
			return fmt.Errorf("%w: scope %d states %.4f kg, sources sum to %.4f kg",
				ErrInconsistentTotals, scope, stated[scope], scopeSums[scope])
		}
	}
	return nil
}
