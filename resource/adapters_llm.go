package resource

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/arpanauts/strategyengine/engine"
)

// probeLLMProvider issues the cheapest real call each SDK exposes and maps
// the outcome onto ManagedResource's status enum. These backends are
// registered as ExternalHttpApi resources (spec.md §4.3 has no dedicated
// LLM resource type), selected via config["provider"].
func probeLLMProvider(ctx context.Context, provider string, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	switch provider {
	case "anthropic":
		return probeAnthropic(ctx, res)
	case "openai":
		return probeOpenAI(ctx, res)
	case "bedrock":
		return probeBedrock(ctx, res)
	default:
		return engine.ResourceUnknown, "", fmt.Errorf("resource %q: unknown llm provider %q", res.Name, provider)
	}
}

func probeAnthropic(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	apiKey, _ := res.Config["api_key"].(string)
	modelName, _ := res.Config["model"].(string)
	if modelName == "" {
		modelName = "claude-3-haiku-20240307"
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	_, err := client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		MaxTokens: 1,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}

func probeOpenAI(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	apiKey, _ := res.Config["api_key"].(string)
	modelName, _ := res.Config["model"].(string)
	if modelName == "" {
		modelName = openaisdk.ChatModelGPT4oMini
	}

	client := openaisdk.NewClient(openaioption.WithAPIKey(apiKey))
	_, err := client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: modelName,
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage("ping"),
		},
	})
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}

func probeBedrock(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	region, _ := res.Config["region"].(string)
	modelID, _ := res.Config["model"].(string)
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	client := bedrockruntime.NewFromConfig(awsCfg)

	_, err = client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: &modelID,
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "ping"},
				},
			},
		},
	})
	if err != nil {
		return engine.ResourceUnavailable, err.Error(), nil
	}
	return engine.ResourceHealthy, "", nil
}
