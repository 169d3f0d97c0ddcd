package nlu

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// ConverseAPI is the subset of the Bedrock runtime client used here.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockCompleter completes prompts with the Bedrock Converse API.
type BedrockCompleter struct {
	api     ConverseAPI
	modelID string
}

// NewBedrockCompleter creates a completer from an AWS config.
func NewBedrockCompleter(cfg aws.Config, modelID string) *BedrockCompleter {
	return NewBedrockCompleterWithAPI(bedrockruntime.NewFromConfig(cfg), modelID)
}

// NewBedrockCompleterWithAPI creates a completer over an existing client.
func NewBedrockCompleterWithAPI(api ConverseAPI, modelID string) *BedrockCompleter {
	if modelID == "" {
		modelID = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}
	return &BedrockCompleter{api: api, modelID: modelID}
}

// Complete implements Completer.
func (b *BedrockCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens)) //nolint:gosec // bounded by callers
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}

	out, err := b.api.Converse(ctx, in)
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("bedrock converse: unexpected output %T", out.Output)
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("bedrock converse: no text in response")
	}
	return strings.TrimSpace(sb.String()), nil
}

// FoundationModelAPI is the subset of the Bedrock control plane client used here.
type FoundationModelAPI interface {
	GetFoundationModel(ctx context.Context, in *bedrock.GetFoundationModelInput, optFns ...func(*bedrock.Options)) (*bedrock.GetFoundationModelOutput, error)
}

// VerifyBedrockModel checks that modelID exists and produces text.
func VerifyBedrockModel(ctx context.Context, api FoundationModelAPI, modelID string) error {
	out, err := api.GetFoundationModel(ctx, &bedrock.GetFoundationModelInput{ModelIdentifier: aws.String(modelID)})
	if err != nil {
		return fmt.Errorf("bedrock model %s: %w", modelID, err)
	}
	if out.ModelDetails == nil {
		return fmt.Errorf("bedrock model %s: no details returned", modelID)
	}
	for _, m := range out.ModelDetails.OutputModalities {
		if m == "TEXT" {
			return nil
		}
	}
	return fmt.Errorf("bedrock model %s does not produce text", modelID)
}
