// Package bedrock provides a planner.Planner implementation backed by the AWS
// Bedrock Converse API. It renders the planning input into a Converse request
// using github.com/aws/aws-sdk-go-v2/service/bedrockruntime, forces a tool
// choice, and maps the returned tool_use block into a planner intent.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/foreman/features/planner/prompt"
	"goa.design/foreman/runtime/planner"
)

type (
	// RuntimeClient captures the subset of the AWS Bedrock runtime client used
	// by the planner. It is satisfied by *bedrockruntime.Client so callers can
	// pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures optional planner behavior.
	Options struct {
		// Model is the Bedrock model identifier or inference profile ARN.
		// Required.
		Model string

		// MaxTokens caps the completion. When zero or negative the cap is
		// omitted and Bedrock applies the model default.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float32
	}

	// Planner implements planner.Planner on top of AWS Bedrock Converse.
	Planner struct {
		runtime RuntimeClient
		model   string
		maxTok  int
		temp    float32
	}
)

// New builds a Bedrock-backed planner from the provided runtime client and
// configuration options. Construct the runtime client with
// bedrockruntime.NewFromConfig so the AWS SDK resolves region and credentials.
func New(rt RuntimeClient, opts Options) (*Planner, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Planner{
		runtime: rt,
		model:   opts.Model,
		maxTok:  opts.MaxTokens,
		temp:    opts.Temperature,
	}, nil
}

// Plan issues a Converse request for the step described by in and translates
// the model's tool choice into an intent.
func (p *Planner) Plan(ctx context.Context, in *planner.Input) (*planner.Intent, error) {
	params, provToCanon, err := p.prepareRequest(in)
	if err != nil {
		return nil, err
	}
	out, err := p.runtime.Converse(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", planner.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateOutput(out, provToCanon)
}

func (p *Planner) prepareRequest(in *planner.Input) (*bedrockruntime.ConverseInput, map[string]string, error) {
	defs := prompt.Tools(in)
	canonToProv, provToCanon, err := prompt.ProviderNames(defs)
	if err != nil {
		return nil, nil, fmt.Errorf("bedrock: %w", err)
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(canonToProv[def.Name]),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(def.Schema)},
		}})
	}
	msgs, err := encodeTurns(prompt.Turns(in), canonToProv)
	if err != nil {
		return nil, nil, err
	}
	params := bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.model),
		Messages: msgs,
		System:   []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: prompt.System(in)}},
		ToolConfig: &brtypes.ToolConfiguration{
			Tools:      toolList,
			ToolChoice: &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}},
		},
	}
	if cfg := p.inferenceConfig(); cfg != nil {
		params.InferenceConfig = cfg
	}
	return &params, provToCanon, nil
}

func (p *Planner) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if p.maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(p.maxTok)) //nolint:gosec // AWS SDK requires int32
	}
	if p.temp > 0 {
		cfg.Temperature = aws.Float32(p.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// encodeTurns folds consecutive same-role turns into one message because the
// Converse API requires user and assistant messages to alternate for
// Anthropic models.
func encodeTurns(turns []prompt.Turn, canonToProv map[string]string) ([]brtypes.Message, error) {
	msgs := make([]brtypes.Message, 0, len(turns))
	var (
		role   string
		blocks []brtypes.ContentBlock
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		brrole := brtypes.ConversationRoleUser
		if role == prompt.RoleAssistant {
			brrole = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{Role: brrole, Content: blocks})
		blocks = nil
	}
	for _, turn := range turns {
		if turn.Role != role {
			flush()
			role = turn.Role
		}
		switch {
		case turn.ToolCall != nil:
			name := canonToProv[turn.ToolCall.Name]
			if name == "" {
				name = prompt.SanitizeName(turn.ToolCall.Name)
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(turn.ToolCall.ID),
				Name:      aws.String(name),
				Input:     lazyDocument(turn.ToolCall.Args),
			}})
		case turn.ToolResult != nil:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(turn.ToolResult.ID),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: turn.ToolResult.Content},
				},
			}
			if turn.ToolResult.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
		case turn.Text != "":
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: turn.Text})
		}
	}
	flush()
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: planner input produced no messages")
	}
	return msgs, nil
}

func translateOutput(out *bedrockruntime.ConverseOutput, provToCanon map[string]string) (*planner.Intent, error) {
	if out == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: response carries no message")
	}
	for _, block := range msg.Value.Content {
		use, ok := block.(*brtypes.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		var name string
		if use.Value.Name != nil {
			name = *use.Value.Name
		}
		// When the model hallucinates a tool that was not advertised, the
		// reverse map will not contain it. Surface the call as-is and let the
		// tool registry return an unknown tool error.
		if canonical, ok := provToCanon[name]; ok {
			name = canonical
		}
		args, err := decodeArgs(use.Value.Input)
		if err != nil {
			return nil, err
		}
		return prompt.Intent(name, args), nil
	}
	return nil, errors.New("bedrock: model returned no tool call")
}

func decodeArgs(doc document.Interface) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil, fmt.Errorf("bedrock: decode tool arguments: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("bedrock: decode tool arguments: %w", err)
	}
	return args, nil
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

// isRateLimited reports whether err represents provider rate limiting. It
// treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate limited and passes through errors already
// tagged by middleware.
func isRateLimited(err error) bool {
	if errors.Is(err, planner.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}
