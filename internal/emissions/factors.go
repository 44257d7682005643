package emissions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/retry"
)

// Factor converts an activity quantity into kg CO2e.
type Factor struct {
	Category string
	Value    float64 // kg CO2e per Unit
	Unit     string
	Source   string
}

// defaultFactors are conservative published averages used when the
// factor API cannot answer. Values are kg CO2e per unit.
var defaultFactors = map[string]Factor{
	"electricity":       {Category: "electricity", Value: 0.475, Unit: "kWh", Source: "built-in grid average"},
	"natural_gas":       {Category: "natural_gas", Value: 0.198, Unit: "kWh", Source: "built-in combustion factor"},
	"fuel_oil":          {Category: "fuel_oil", Value: 2.68, Unit: "L", Source: "built-in combustion factor"},
	"vehicle_gasoline":  {Category: "vehicle_gasoline", Value: 2.31, Unit: "L", Source: "built-in combustion factor"},
	"vehicle_diesel":    {Category: "vehicle_diesel", Value: 2.68, Unit: "L", Source: "built-in combustion factor"},
	"air_travel_short":  {Category: "air_travel_short", Value: 0.18, Unit: "km", Source: "built-in aviation factor"},
	"air_travel_medium": {Category: "air_travel_medium", Value: 0.13, Unit: "km", Source: "built-in aviation factor"},
	"air_travel_long":   {Category: "air_travel_long", Value: 0.11, Unit: "km", Source: "built-in aviation factor"},
	"waste":             {Category: "waste", Value: 0.587, Unit: "kg", Source: "built-in landfill factor"},
	"water":             {Category: "water", Value: 0.344, Unit: "m3", Source: "built-in water supply factor"},
}

// FactorClient resolves emission factors from the factor API, falling
// back to the built-in table when the API cannot serve a category. The
// fallback is recorded so reports can disclose it.
type FactorClient struct {
	apiURL   string
	http     *http.Client
	retryCfg retry.Config
}

func NewFactorClient(apiURL string, timeout time.Duration) *FactorClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FactorClient{
		apiURL: apiURL,
		http:   &http.Client{Timeout: timeout},
		retryCfg: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 300 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
	}
}

type factorAPIResponse struct {
	Factor float64 `json:"factor"`
	Unit   string  `json:"unit"`
	Source string  `json:"source"`
}

// Lookup returns the factor for a category, narrowed by region when the
// API knows one. API failures degrade to the built-in table, which is
// region-agnostic; fellBack tells the caller which path answered. An
// unknown category with no fallback is an error.
func (c *FactorClient) Lookup(ctx context.Context, category, region string) (Factor, bool, error) {
	if c.apiURL != "" {
		factor, err := c.lookupAPI(ctx, category, region)
		metrics.ServiceRequests.WithLabelValues("factors", outcome(err)).Inc()
		if err == nil {
			return factor, false, nil
		}
		logger.Warn("Factor API lookup failed, using built-in factor",
			zap.String("category", category),
			zap.String("region", region),
			zap.Error(err),
		)
	}

	if factor, ok := defaultFactors[category]; ok {
		return factor, true, nil
	}
	return Factor{}, false, fmt.Errorf("no emission factor for category %q", category)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *FactorClient) lookupAPI(ctx context.Context, category, region string) (Factor, error) {
	params := url.Values{"category": {category}}
	if region != "" {
		params.Set("region", region)
	}
	endpoint := fmt.Sprintf("%s/factors?%s", c.apiURL, params.Encode())

	var resp factorAPIResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("category %q not in factor API", category))
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("factor API returned status %d", res.StatusCode)
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return retry.Permanent(fmt.Errorf("decode factor response: %w", err))
		}
		return nil
	})
	if err != nil {
		return Factor{}, err
	}

	if resp.Factor <= 0 {
		return Factor{}, fmt.Errorf("factor API returned non-positive factor for %q", category)
	}

	source := resp.Source
	if source == "" {
		source = "emission factor API"
	}
	return Factor{Category: category, Value: resp.Factor, Unit: resp.Unit, Source: source}, nil
}
