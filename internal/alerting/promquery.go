package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PrometheusQuerier implements MetricsQuerier against a Prometheus-style
// range query API. The metric name and label filters are rendered into a
// selector; every sample value inside the window is returned.
type PrometheusQuerier struct {
	baseURL string
	client  *http.Client
}

// NewPrometheusQuerier creates a querier for the given Prometheus base URL.
func NewPrometheusQuerier(baseURL string) *PrometheusQuerier {
	return &PrometheusQuerier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Query implements MetricsQuerier.
func (q *PrometheusQuerier) Query(ctx context.Context, metric string, from, to time.Time, filters map[string]string) ([]float64, error) {
	selector := buildSelector(metric, filters)
	step := to.Sub(from) / 60
	if step < 15*time.Second {
		step = 15 * time.Second
	}

	params := url.Values{}
	params.Set("query", selector)
	params.Set("start", strconv.FormatInt(from.Unix(), 10))
	params.Set("end", strconv.FormatInt(to.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(step.Seconds()), 10))

	endpoint := fmt.Sprintf("%s/api/v1/query_range?%s", q.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Values [][2]any `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("prometheus query status %q", body.Status)
	}

	var samples []float64
	for _, series := range body.Data.Result {
		for _, pair := range series.Values {
			if s, ok := pair[1].(string); ok {
				if v, err := strconv.ParseFloat(s, 64); err == nil {
					samples = append(samples, v)
				}
			}
		}
	}
	return samples, nil
}

func buildSelector(metric string, filters map[string]string) string {
	if len(filters) == 0 {
		return metric
	}
	parts := make([]string, 0, len(filters))
	for k, v := range filters {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return fmt.Sprintf("%s{%s}", metric, strings.Join(parts, ","))
}
