package resource

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/arpanauts/strategyengine/engine"
)

// VectorStoreAdapter probes VectorStore resources (spec.md §4.3: "connect
// and list collections with a short timeout"). No dedicated vector-database
// SDK appears anywhere in the example pack, so this stands in with the
// genai client's model listing call — genai.Client is the teacher's only
// "connect, then enumerate server-side resources" client shape.
type VectorStoreAdapter struct{}

func NewVectorStoreAdapter() *VectorStoreAdapter {
	return &VectorStoreAdapter{}
}

func (a *VectorStoreAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	apiKey, _ := res.Config["api_key"].(string)

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	defer client.Close()

	it := client.ListModels(ctx)
	_, err = it.Next()
	if err != nil && err != iterator.Done {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}
