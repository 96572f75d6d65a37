package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func TestAggregate(t *testing.T) {
	samples := []float64{10, 20, 30, 40}

	tests := []struct {
		kind models.AggregationKind
		want float64
	}{
		{models.AggregationAvg, 25},
		{models.AggregationSum, 100},
		{models.AggregationCount, 4},
		{models.AggregationMin, 10},
		{models.AggregationMax, 40},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.InDelta(t, tc.want, Aggregate(tc.kind, samples), 1e-9)
		})
	}
}

func TestAggregateEmptySamples(t *testing.T) {
	assert.Zero(t, Aggregate(models.AggregationAvg, nil))
	assert.Zero(t, Aggregate(models.AggregationP95, nil))
}

func TestPercentileLinearInterpolation(t *testing.T) {
	// Rank for p95 over 5 sorted samples is 0.95*4 = 3.8:
	// interpolate between the 4th and 5th values.
	samples := []float64{10, 20, 30, 40, 50}
	assert.InDelta(t, 48.0, Aggregate(models.AggregationP95, samples), 1e-9)

	// p99 over two samples: rank 0.99, nearly the max.
	assert.InDelta(t, 19.9, Aggregate(models.AggregationP99, []float64{10, 20}), 1e-9)

	// Single sample: every percentile is that sample.
	assert.Equal(t, 42.0, Aggregate(models.AggregationP95, []float64{42}))
}

func TestPercentileUnsortedInput(t *testing.T) {
	assert.InDelta(t, 48.0, Aggregate(models.AggregationP95, []float64{50, 10, 40, 20, 30}), 1e-9)
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare(models.OperatorGreaterThan, 90, 80))
	assert.False(t, Compare(models.OperatorGreaterThan, 80, 80))
	assert.True(t, Compare(models.OperatorGreaterOrEqual, 80, 80))
	assert.True(t, Compare(models.OperatorLessThan, 10, 80))
	assert.True(t, Compare(models.OperatorLessOrEqual, 80, 80))
}

func TestCompareEqualityTolerance(t *testing.T) {
	assert.True(t, Compare(models.OperatorEqual, 80.0005, 80))
	assert.False(t, Compare(models.OperatorEqual, 80.01, 80))
	assert.True(t, Compare(models.OperatorNotEqual, 80.01, 80))
	assert.False(t, Compare(models.OperatorNotEqual, 80.0005, 80))
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("rule-1", "cpu_usage_percent", map[string]string{"host": "h1", "env": "prod"})
	b := Fingerprint("rule-1", "cpu_usage_percent", map[string]string{"env": "prod", "host": "h1"})
	assert.Equal(t, a, b)

	c := Fingerprint("rule-2", "cpu_usage_percent", map[string]string{"host": "h1", "env": "prod"})
	assert.NotEqual(t, a, c)

	d := Fingerprint("rule-1", "cpu_usage_percent", nil)
	assert.NotEqual(t, a, d)
	assert.Len(t, d, 64)
}
