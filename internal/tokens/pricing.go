package tokens

import (
	"fmt"
	"math"

	"github.com/grantflow/intake/internal/domain"
)

// Price holds per-model pricing in EUR per million tokens, input and
// output priced separately.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// costDecimals fixes monetary rounding; ledger comparisons rely on it.
const costDecimals = 6

// PriceTable maps model identifiers to prices. An unknown model is a hard
// error: the service never guesses a price.
type PriceTable struct {
	prices map[string]Price
}

// NewPriceTable creates a price table with the given model prices.
func NewPriceTable(prices map[string]Price) *PriceTable {
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &PriceTable{prices: cp}
}

// DefaultPriceTable returns the static price table for supported models.
func DefaultPriceTable() *PriceTable {
	return NewPriceTable(map[string]Price{
		"claude-sonnet-4-20250514": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"claude-3-5-haiku-20241022": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"claude-3-haiku-20240307":   {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	})
}

// Cost converts usage to a monetary amount for the given model, rounded
// to a fixed number of fractional digits.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) (float64, error) {
	price, ok := t.prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: %q has no configured price", domain.ErrUnknownModel, model)
	}

	cost := float64(inputTokens)/1e6*price.InputPerMTok +
		float64(outputTokens)/1e6*price.OutputPerMTok
	return roundCost(cost), nil
}

func roundCost(v float64) float64 {
	shift := math.Pow10(costDecimals)
	return math.Round(v*shift) / shift
}
