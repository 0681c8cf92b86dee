// Package pricing estimates monthly S3 storage cost from per-tier usage.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
)

// PriceTable holds USD per GB-month for each normalized tier.
type PriceTable struct {
	PerGBMonth map[string]float64 `yaml:"per_gb_month"`
}

// DefaultUSEast1Prices returns approximate us-east-1 list prices.
func DefaultUSEast1Prices() PriceTable {
	return PriceTable{
		PerGBMonth: map[string]float64{
			inventory.TierStandard:          0.023,
			inventory.TierStandardIA:        0.0125,
			inventory.TierOneZoneIA:         0.01,
			inventory.TierGlacierIR:         0.004,
			inventory.TierGlacier:           0.0036,
			inventory.TierDeepArchive:       0.00099,
			inventory.TierReducedRedundancy: 0.024,
			inventory.TierITFrequent:        0.023,
			inventory.TierITInfrequent:      0.0125,
			inventory.TierITArchiveInstant:  0.004,
			inventory.TierITArchive:         0.0036,
			inventory.TierITDeepArchive:     0.00099,
		},
	}
}

// LoadPriceTable reads a YAML (or JSON) price table. Tiers missing from the
// file keep their default price.
func LoadPriceTable(path string) (PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PriceTable{}, fmt.Errorf("read price table: %w", err)
	}
	var file PriceTable
	if err := yaml.Unmarshal(data, &file); err != nil {
		return PriceTable{}, fmt.Errorf("parse price table: %w", err)
	}
	pt := DefaultUSEast1Prices()
	for tier, price := range file.PerGBMonth {
		if price < 0 {
			return PriceTable{}, fmt.Errorf("price for %s must be non-negative, got %g", tier, price)
		}
		pt.PerGBMonth[tier] = price
	}
	return pt, nil
}

// TierUsage is the stored volume of one tier.
type TierUsage struct {
	Tier    string
	Objects int64
	Bytes   int64
}

// CostResult is an estimated monthly cost.
type CostResult struct {
	// TotalMicrodollars is the total in millionths of a USD.
	TotalMicrodollars   uint64
	PerTierMicrodollars map[string]uint64
	// Unpriced lists tiers with usage but no price, sorted.
	Unpriced []string
}

// TotalDollars returns the total cost in dollars.
func (r CostResult) TotalDollars() float64 {
	return float64(r.TotalMicrodollars) / 1_000_000
}

const bytesPerGB = 1024 * 1024 * 1024

// ComputeMonthlyCost prices usage with pt.
func ComputeMonthlyCost(usage []TierUsage, pt PriceTable) CostResult {
	result := CostResult{PerTierMicrodollars: make(map[string]uint64, len(usage))}
	for _, u := range usage {
		price, ok := pt.PerGBMonth[u.Tier]
		if !ok {
			result.Unpriced = append(result.Unpriced, u.Tier)
			continue
		}
		gb := float64(u.Bytes) / bytesPerGB
		micro := uint64(gb * price * 1_000_000)
		result.PerTierMicrodollars[u.Tier] += micro
		result.TotalMicrodollars += micro
	}
	sort.Strings(result.Unpriced)
	return result
}

// FormatCost formats microdollars with precision suited to the magnitude.
func FormatCost(microdollars uint64) string {
	dollars := float64(microdollars) / 1_000_000

	switch {
	case dollars < 0.01:
		return fmt.Sprintf("$%.6f", dollars)
	case dollars < 1:
		return fmt.Sprintf("$%.4f", dollars)
	case dollars < 100:
		return fmt.Sprintf("$%.2f", dollars)
	default:
		return fmt.Sprintf("$%.0f", dollars)
	}
}
