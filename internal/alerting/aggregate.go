package alerting

import (
	"math"
	"sort"

	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// equalityTolerance is the tolerance used by the equality operators.
const equalityTolerance = 1e-3

// Aggregate combines samples according to the aggregation kind. Percentiles
// use linear interpolation between ranks on the sorted sample.
func Aggregate(kind models.AggregationKind, samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	switch kind {
	case models.AggregationAvg:
		return sum(samples) / float64(len(samples))
	case models.AggregationSum:
		return sum(samples)
	case models.AggregationCount:
		return float64(len(samples))
	case models.AggregationMin:
		min := samples[0]
		for _, v := range samples[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case models.AggregationMax:
		max := samples[0]
		for _, v := range samples[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case models.AggregationP95:
		return percentile(samples, 95)
	case models.AggregationP99:
		return percentile(samples, 99)
	default:
		return sum(samples) / float64(len(samples))
	}
}

func sum(samples []float64) float64 {
	var total float64
	for _, v := range samples {
		total += v
	}
	return total
}

// percentile computes the p-th percentile with linear interpolation between
// the two closest ranks.
func percentile(samples []float64, p float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Compare evaluates value against threshold with the given operator.
// Equality operators use a small absolute tolerance.
func Compare(op models.ComparisonOperator, value, threshold float64) bool {
	switch op {
	case models.OperatorGreaterThan:
		return value > threshold
	case models.OperatorGreaterOrEqual:
		return value >= threshold
	case models.OperatorLessThan:
		return value < threshold
	case models.OperatorLessOrEqual:
		return value <= threshold
	case models.OperatorEqual:
		return math.Abs(value-threshold) < equalityTolerance
	case models.OperatorNotEqual:
		return math.Abs(value-threshold) >= equalityTolerance
	default:
		return false
	}
}
