package billing

import (
	"testing"

	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPricingTablePriceFor(t *testing.T) {
	table := NewPricingTable(&config.PricingConfig{Tiers: []config.PricingTier{
		{Credits: 1000, Prices: map[string]int64{"EUR": 200, "jpy": 300}},
	}})

	price, ok := table.PriceFor(1000, "eur")
	assert.True(t, ok)
	assert.Equal(t, int64(200), price)

	price, ok = table.PriceFor(1000, "JPY")
	assert.True(t, ok)
	assert.Equal(t, int64(300), price)

	_, ok = table.PriceFor(1000, "usd")
	assert.False(t, ok)

	_, ok = table.PriceFor(2000, "eur")
	assert.False(t, ok)
}
