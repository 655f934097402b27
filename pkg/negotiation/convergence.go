package negotiation

import "math"

// Similarity measures how close two proposals are, in [0,1]. Per-field
// normalized similarity is computed for every field present in both
// proposals and the result is the arithmetic mean of the computable parts;
// no comparable field yields 0.
func Similarity(a, b ProposalTerms) float64 {
	var parts []float64

	if a.Price != nil && b.Price != nil {
		parts = append(parts, ratioSimilarity(*a.Price, *b.Price))
	}
	if a.DeliveryTime != nil && b.DeliveryTime != nil {
		parts = append(parts, ratioSimilarity(*a.DeliveryTime, *b.DeliveryTime))
	}
	if a.QualitySLA != nil && b.QualitySLA != nil {
		// Already unit-scaled.
		parts = append(parts, clamp01(1-math.Abs(*a.QualitySLA-*b.QualitySLA)))
	}
	if a.IncentiveSplit != nil && b.IncentiveSplit != nil {
		sa, sb := *a.IncentiveSplit, *b.IncentiveSplit
		mean := (math.Abs(sa.Agent-sb.Agent) +
			math.Abs(sa.Broker-sb.Broker) +
			math.Abs(sa.Validator-sb.Validator) +
			math.Abs(sa.Pool-sb.Pool)) / 4
		parts = append(parts, clamp01(1-mean))
	}

	if len(parts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

// ratioSimilarity is 1 - |a-b|/max(a,b), guarding max==0 (two zeros are
// identical).
func ratioSimilarity(a, b float64) float64 {
	max := math.Max(a, b)
	if max == 0 {
		return 1
	}
	return clamp01(1 - math.Abs(a-b)/max)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
