package resource

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/arpanauts/strategyengine/engine"
)

// HTTPAdapter probes ExternalHttpApi resources (spec.md §4.3): GET a
// configured health URL, Healthy on 2xx, Degraded on 5xx, Unavailable on
// network error or timeout. config["provider"] lets a resource of this type
// delegate to one of the LLM-specific probes in adapters_llm.go instead of
// a bare GET, since LLM backends are registered as ExternalHttpApi
// resources (no dedicated ResourceType exists for them).
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter builds an HTTPAdapter with a bounded probe timeout.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{client: &http.Client{Timeout: 5 * time.Second}}
}

func (a *HTTPAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	if provider, _ := res.Config["provider"].(string); provider != "" {
		return probeLLMProvider(ctx, provider, res)
	}

	healthURL, _ := res.Config["health_url"].(string)
	if healthURL == "" {
		return engine.ResourceUnknown, "", fmt.Errorf("resource %q: config.health_url not set", res.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return engine.ResourceHealthy, "", nil
	case resp.StatusCode >= 500:
		return engine.ResourceDegraded, fmt.Sprintf("health check returned %d", resp.StatusCode), nil
	default:
		return engine.ResourceUnavailable, fmt.Sprintf("health check returned %d", resp.StatusCode), nil
	}
}
