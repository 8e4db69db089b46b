package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PricingTier maps a credit package to its price per currency in minor units
type PricingTier struct {
	Credits int64            `yaml:"credits"`
	Prices  map[string]int64 `yaml:"prices"`
}

// PricingConfig is the on-disk pricing table
type PricingConfig struct {
	Tiers []PricingTier `yaml:"tiers"`
}

// DefaultPricing is used when no pricing file is configured
func DefaultPricing() *PricingConfig {
	return &PricingConfig{
		Tiers: []PricingTier{
			{Credits: 1000, Prices: map[string]int64{"eur": 200, "usd": 200, "jpy": 300}},
			{Credits: 10000, Prices: map[string]int64{"eur": 1000, "usd": 1000, "jpy": 1500}},
			{Credits: 21000, Prices: map[string]int64{"eur": 2000, "usd": 2000, "jpy": 3000}},
			{Credits: 54000, Prices: map[string]int64{"eur": 5000, "usd": 5000, "jpy": 7500}},
		},
	}
}

// LoadPricing reads the pricing table from path, or returns the default table when path is empty
func LoadPricing(path string) (*PricingConfig, error) {
	if path == "" {
		return DefaultPricing(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var cfg PricingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}

	for i, tier := range cfg.Tiers {
		if tier.Credits <= 0 {
			return nil, fmt.Errorf("pricing tier %d: credits must be positive", i)
		}
		normalized := make(map[string]int64, len(tier.Prices))
		for currency, cents := range tier.Prices {
			if cents <= 0 {
				return nil, fmt.Errorf("pricing tier %d: price for %s must be positive", i, currency)
			}
			normalized[strings.ToLower(currency)] = cents
		}
		cfg.Tiers[i].Prices = normalized
	}

	return &cfg, nil
}
