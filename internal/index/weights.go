package index

import "strings"

// WeightEntry is the static weighting for one provider.
// QuotedPrice and ResearchPrice feed the hyperscaler fallback chain; zero means absent.
type WeightEntry struct {
	Provider              string   `mapstructure:"provider" validate:"required"`
	Aliases               []string `mapstructure:"aliases"`
	WeightPercent         float64  `mapstructure:"weight_percent" validate:"gte=0,lte=100"`
	Hyperscaler           bool     `mapstructure:"hyperscaler"`
	BuyerDiscountFraction float64  `mapstructure:"buyer_discount_fraction" validate:"gte=0,lte=1"`
	DiscountRate          float64  `mapstructure:"discount_rate" validate:"gte=0,lte=1"`
	QuotedPrice           float64  `mapstructure:"quoted_price" validate:"gte=0"`
	ResearchPrice         float64  `mapstructure:"research_price" validate:"gte=0"`
}

// Names returns the canonical provider name followed by its aliases.
func (w WeightEntry) Names() []string {
	names := make([]string, 0, len(w.Aliases)+1)
	names = append(names, w.Provider)
	return append(names, w.Aliases...)
}

// Weights is an ordered weight table.
type Weights []WeightEntry

// TotalPercent sums every configured weight.
func (ws Weights) TotalPercent() float64 {
	total := 0.0
	for _, w := range ws {
		total += w.WeightPercent
	}
	return total
}

// HyperscalerNames lists canonical names of protected providers.
func (ws Weights) HyperscalerNames() []string {
	names := make([]string, 0, 4)
	for _, w := range ws {
		if w.Hyperscaler {
			names = append(names, w.Provider)
		}
	}
	return names
}

func (ws Weights) lookupTable() map[string]int {
	table := make(map[string]int, len(ws)*2)
	for i, w := range ws {
		for _, name := range w.Names() {
			key := normalizeName(name)
			if _, exists := table[key]; !exists {
				table[key] = i
			}
		}
	}
	return table
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultWeights returns the production H100 weight table: four hyperscalers carrying ~56% of the
// weight and the long tail of GPU clouds. A fresh slice is returned on every call.
func DefaultWeights() Weights {
	return Weights{
		{Provider: "Amazon Web Services", Aliases: []string{"AWS"}, WeightPercent: 18.28, Hyperscaler: true, BuyerDiscountFraction: 1.00, DiscountRate: 0.44},
		{Provider: "Microsoft Azure", Aliases: []string{"Azure"}, WeightPercent: 23.54, Hyperscaler: true, BuyerDiscountFraction: 0.65, DiscountRate: 0.65, QuotedPrice: 18.8, ResearchPrice: 6.2},
		{Provider: "Google Cloud", Aliases: []string{"GCP"}, WeightPercent: 10.28, Hyperscaler: true, BuyerDiscountFraction: 0.65, DiscountRate: 0.65, QuotedPrice: 10.0, ResearchPrice: 4.0},
		{Provider: "CoreWeave", WeightPercent: 3.74, Hyperscaler: true, BuyerDiscountFraction: 0.80, DiscountRate: 0.50, QuotedPrice: 6.155, ResearchPrice: 3.0},

		{Provider: "Voltage Park", Aliases: []string{"VoltagePark"}, WeightPercent: 7.09},
		{Provider: "Nebius", WeightPercent: 5.01},
		{Provider: "Lambda Labs", WeightPercent: 4.00},
		{Provider: "ShaktiCloud", Aliases: []string{"Shakti Cloud"}, WeightPercent: 3.87},
		{Provider: "TaigaCloud", WeightPercent: 3.75},
		{Provider: "Crusoe", WeightPercent: 1.60},
		{Provider: "HyperStack", WeightPercent: 1.42},
		{Provider: "FluidStack", WeightPercent: 1.40},
		{Provider: "Ori", Aliases: []string{"ORI"}, WeightPercent: 1.31},
		{Provider: "GMICloud", Aliases: []string{"GMI Cloud"}, WeightPercent: 0.54},
		{Provider: "OVHcloud", Aliases: []string{"OVH Cloud"}, WeightPercent: 0.52},
		{Provider: "Scaleway", WeightPercent: 0.50},
		{Provider: "Leaseweb", WeightPercent: 0.40},
		{Provider: "Gcore", WeightPercent: 0.37},
		{Provider: "HydraHost", WeightPercent: 0.37},
		{Provider: "Fal.AI", WeightPercent: 0.30},
		{Provider: "Neysa.ai", WeightPercent: 0.28},
		{Provider: "Baseten", WeightPercent: 0.26},
		{Provider: "EdgeVana", WeightPercent: 0.21},
		{Provider: "Replicate", WeightPercent: 0.19},
		{Provider: "AceCloud", Aliases: []string{"Ace Cloud"}, WeightPercent: 0.19},
		{Provider: "Massed Compute", WeightPercent: 0.19},
		{Provider: "Civo", WeightPercent: 0.12},
		{Provider: "GPU-Mart", WeightPercent: 0.11},
		{Provider: "Atlantic.Net", WeightPercent: 0.09},
		{Provider: "Vast.ai", WeightPercent: 0.07},
		{Provider: "RunPod", WeightPercent: 0.07},
		{Provider: "LeaderGPU", WeightPercent: 0.06},
		{Provider: "AtlasCloud", WeightPercent: 0.06},
		{Provider: "CUDO Compute", WeightPercent: 0.04},
		{Provider: "DataCrunch", WeightPercent: 0.04},
		{Provider: "Hostkey", WeightPercent: 0.03},
		{Provider: "Qubrid", WeightPercent: 0.02},
		{Provider: "Koyeb", WeightPercent: 0.02},
		{Provider: "JarvisLabs", WeightPercent: 0.0035},
	}
}
