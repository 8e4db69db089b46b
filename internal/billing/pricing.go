package billing

import (
	"strings"

	"github.com/crosslogic/credit-engine/internal/config"
)

// PricingTable resolves the price of a credit package
type PricingTable struct {
	prices map[int64]map[string]int64
}

// NewPricingTable indexes a pricing config by credit amount
func NewPricingTable(cfg *config.PricingConfig) *PricingTable {
	t := &PricingTable{prices: make(map[int64]map[string]int64, len(cfg.Tiers))}
	for _, tier := range cfg.Tiers {
		byCurrency := make(map[string]int64, len(tier.Prices))
		for cur, cents := range tier.Prices {
			byCurrency[strings.ToLower(cur)] = cents
		}
		t.prices[tier.Credits] = byCurrency
	}
	return t
}

// PriceFor returns the price in minor units for a credit amount in a currency
func (t *PricingTable) PriceFor(credits int64, currency string) (int64, bool) {
	byCurrency, ok := t.prices[credits]
	if !ok {
		return 0, false
	}
	cents, ok := byCurrency[strings.ToLower(currency)]
	return cents, ok
}
