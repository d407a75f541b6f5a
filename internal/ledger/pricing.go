package ledger

import "strings"

// Blended (input+output) dollars per million tokens, by model family.
// Order matters: first prefix match wins.
var modelPricing = []struct {
	prefix string
	price  float64
}{
	{"claude-opus", 45.0},
	{"claude-sonnet", 9.0},
	{"claude-haiku", 2.0},
	{"gpt-4o-mini", 0.4},
	{"gpt-4o", 7.5},
	{"gpt-4", 20.0},
	{"o3", 5.0},
}

const defaultPricePerMillion = 5.0

// PricePerMillion returns the blended price for a model id.
func PricePerMillion(model string) float64 {
	for _, mp := range modelPricing {
		if strings.HasPrefix(model, mp.prefix) {
			return mp.price
		}
	}
	return defaultPricePerMillion
}
