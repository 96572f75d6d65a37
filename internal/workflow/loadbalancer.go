package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// HTTPLoadBalancer drives a load balancer management API over HTTP. The
// endpoint and api key travel with each call; different workflows may
// address different balancers.
type HTTPLoadBalancer struct {
	client *http.Client
	log    *logger.Logger
}

// NewHTTPLoadBalancer creates the load balancer client.
func NewHTTPLoadBalancer(log *logger.Logger) *HTTPLoadBalancer {
	return &HTTPLoadBalancer{
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.WithComponent("load-balancer"),
	}
}

func (lb *HTTPLoadBalancer) post(ctx context.Context, endpoint, apiKey, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := lb.client.Do(req)
	if err != nil {
		return fmt.Errorf("load balancer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("load balancer returned status %d", resp.StatusCode)
	}
	return nil
}

// AddServer implements LoadBalancer.
func (lb *HTTPLoadBalancer) AddServer(ctx context.Context, endpoint, apiKey, host string) error {
	lb.log.Debug("adding server to pool", "host", host)
	return lb.post(ctx, endpoint, apiKey, "/pool/add", map[string]string{"server": host})
}

// RemoveServer implements LoadBalancer.
func (lb *HTTPLoadBalancer) RemoveServer(ctx context.Context, endpoint, apiKey, host string) error {
	lb.log.Debug("removing server from pool", "host", host)
	return lb.post(ctx, endpoint, apiKey, "/pool/remove", map[string]string{"server": host})
}

// SetTrafficSplit implements LoadBalancer.
func (lb *HTTPLoadBalancer) SetTrafficSplit(ctx context.Context, endpoint, apiKey string, hosts []string, percent float64) error {
	lb.log.Debug("setting traffic split", "hosts", len(hosts), "percent", percent)
	return lb.post(ctx, endpoint, apiKey, "/traffic/split", map[string]any{
		"servers": hosts,
		"percent": percent,
	})
}
