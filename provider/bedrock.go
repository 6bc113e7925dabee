package provider

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// bedrockInvoker is the slice of the Bedrock Runtime client the adapter
// uses; tests substitute a fake.
type bedrockInvoker interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockAdapter is a direct-LLM adapter backed by the AWS Bedrock Converse
// API, giving chat collectors a second, independently credentialed backend
// besides the OpenAI-compatible HTTP providers.
type BedrockAdapter struct {
	name    string
	modelID string
	client  bedrockInvoker
	logger  obslog.Logger
}

// NewBedrockAdapter constructs a Bedrock-backed adapter. Required
// credentials: Extra["region"] and Extra["model_id"]; APIKey/Extra["secret"]
// supply a static key pair, otherwise the default AWS credential chain is
// used.
func NewBedrockAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
	region := creds.Extra["region"]
	modelID := creds.Extra["model_id"]
	if region == "" || modelID == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing bedrock region/model_id for "+name, 0, nil)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if creds.APIKey != "" && creds.Extra["secret"] != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.APIKey, creds.Extra["secret"], ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "loading AWS config for "+name, 0, err)
	}

	if logger == nil {
		logger = obslog.NoOp()
	}
	return &BedrockAdapter{
		name:    name,
		modelID: modelID,
		client:  bedrockruntime.NewFromConfig(awsCfg),
		logger:  logger,
	}, nil
}

func (a *BedrockAdapter) Name() string { return a.name }

func (a *BedrockAdapter) Call(ctx context.Context, in Input) (Output, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.modelID),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: in.Prompt},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(2048),
		},
	}

	output, err := a.client.Converse(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, aeoerr.New(aeoerr.ErrTimeout, "bedrock converse deadline exceeded", 1, err)
		}
		return Output{}, aeoerr.New(aeoerr.ErrTransport, "bedrock converse failed", 1, err)
	}

	answer := converseText(output)
	if answer == "" {
		return Output{}, aeoerr.New(aeoerr.ErrEmptyResponse, "bedrock returned no text content", 1, nil)
	}

	return Output{
		Answer:    answer,
		Response:  answer,
		ModelUsed: a.modelID,
		Metadata:  map[string]interface{}{"provider": a.name},
	}, nil
}

func converseText(output *bedrockruntime.ConverseOutput) string {
	if output == nil || output.Output == nil {
		return ""
	}
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text
}
