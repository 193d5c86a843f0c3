package signatures

// Indicator represents a single piece of evidence for protocol detection
type Indicator struct {
	Name       string
	Weight     float64 // 0.0 - 1.0
	Confidence float64 // 0.0 - 1.0
}

// ScoreDetection calculates overall confidence from multiple indicators
// Uses weighted average of all indicators
func ScoreDetection(indicators []Indicator) float64 {
	if len(indicators) == 0 {
		return 0.0
	}

	totalWeight := 0.0
	weightedSum := 0.0

	for _, ind := range indicators {
		totalWeight += ind.Weight
		weightedSum += ind.Weight * ind.Confidence
	}

	if totalWeight == 0.0 {
		return 0.0
	}

	return clamp(weightedSum / totalWeight)
}

// GetConfidenceLevel returns a human-readable confidence level
func GetConfidenceLevel(confidence float64) string {
	switch {
	case confidence >= ConfidenceDefinite:
		return "Definite"
	case confidence >= ConfidenceVeryHigh:
		return "Very High"
	case confidence >= ConfidenceHigh:
		return "High"
	case confidence >= ConfidenceMedium:
		return "Medium"
	case confidence >= ConfidenceLow:
		return "Low"
	case confidence >= ConfidenceGuess:
		return "Guess"
	default:
		return "Unknown"
	}
}

func clamp(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	if score < 0.0 {
		return 0.0
	}
	return score
}
