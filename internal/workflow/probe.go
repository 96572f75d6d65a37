package workflow

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// CacheHealthProbe reads the health signal agents publish into the cache.
// Agents refresh service_health:{host}:{service} with a short TTL; an absent
// or stale key reads as unhealthy.
type CacheHealthProbe struct {
	cache cache.Cache
}

// NewCacheHealthProbe creates a probe over agent-reported health.
func NewCacheHealthProbe(c cache.Cache) *CacheHealthProbe {
	return &CacheHealthProbe{cache: c}
}

// Check implements HealthProbe.
func (p *CacheHealthProbe) Check(ctx context.Context, host, service string) (bool, error) {
	key := fmt.Sprintf("service_health:%s:%s", host, service)
	val, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read health signal: %w", err)
	}
	return ok && val == "healthy", nil
}

// HTTPHealthProbe checks hosts by calling a health endpoint directly. Used
// when agents expose an HTTP health surface instead of reporting through
// the cache.
type HTTPHealthProbe struct {
	client *http.Client
	// PathTemplate builds the URL from host and service, e.g.
	// "http://%s:8088/healthz?service=%s".
	PathTemplate string
	log          *logger.Logger
}

// NewHTTPHealthProbe creates an HTTP health probe.
func NewHTTPHealthProbe(pathTemplate string, log *logger.Logger) *HTTPHealthProbe {
	return &HTTPHealthProbe{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		PathTemplate: pathTemplate,
		log:          log.WithComponent("http-health-probe"),
	}
}

// Check implements HealthProbe.
func (p *HTTPHealthProbe) Check(ctx context.Context, host, service string) (bool, error) {
	target := fmt.Sprintf(p.PathTemplate, host, service)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "http://" + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "PowerDaemon-HealthProbe/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))

	return resp.StatusCode == http.StatusOK, nil
}
