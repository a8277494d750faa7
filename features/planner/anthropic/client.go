// Package anthropic provides a planner.Planner implementation backed by the
// Anthropic Claude Messages API. It renders the planning input into a
// Messages request using github.com/anthropics/anthropic-sdk-go, forces a
// tool choice, and maps the returned tool_use block into a planner intent.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/foreman/features/planner/prompt"
	"goa.design/foreman/runtime/planner"
)

// DefaultMaxTokens caps the completion when Options.MaxTokens is zero. A
// planner reply is a single tool call, so the budget stays small.
const DefaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the planner. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional planner behavior.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go or the
		// identifiers listed in the Anthropic model reference.
		Model string

		// MaxTokens caps the completion. Defaults to DefaultMaxTokens.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Planner implements planner.Planner on top of Anthropic Claude Messages.
	Planner struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds a Claude-backed planner from the provided Anthropic Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Planner{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a planner using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Plan issues a Messages.New request for the step described by in and
// translates the model's tool choice into an intent.
func (p *Planner) Plan(ctx context.Context, in *planner.Input) (*planner.Intent, error) {
	params, provToCanon, err := p.prepareRequest(in)
	if err != nil {
		return nil, err
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", planner.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateMessage(msg, provToCanon)
}

func (p *Planner) prepareRequest(in *planner.Input) (*sdk.MessageNewParams, map[string]string, error) {
	defs := prompt.Tools(in)
	canonToProv, provToCanon, err := prompt.ProviderNames(defs)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: %w", err)
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.Schema}, canonToProv[def.Name])
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	msgs, err := encodeTurns(prompt.Turns(in), canonToProv)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(p.maxTok),
		Messages:  msgs,
		Model:     sdk.Model(p.model),
		System:    []sdk.TextBlockParam{{Text: prompt.System(in)}},
		Tools:     toolList,
		ToolChoice: sdk.ToolChoiceUnionParam{
			OfAny: &sdk.ToolChoiceAnyParam{},
		},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	return &params, provToCanon, nil
}

// encodeTurns folds consecutive same-role turns into one message because the
// Messages API requires user and assistant messages to alternate.
func encodeTurns(turns []prompt.Turn, canonToProv map[string]string) ([]sdk.MessageParam, error) {
	msgs := make([]sdk.MessageParam, 0, len(turns))
	var (
		role   string
		blocks []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == prompt.RoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
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
			blocks = append(blocks, sdk.NewToolUseBlock(turn.ToolCall.ID, turn.ToolCall.Args, name))
		case turn.ToolResult != nil:
			blocks = append(blocks, sdk.NewToolResultBlock(turn.ToolResult.ID, turn.ToolResult.Content, turn.ToolResult.IsError))
		case turn.Text != "":
			blocks = append(blocks, sdk.NewTextBlock(turn.Text))
		}
	}
	flush()
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: planner input produced no messages")
	}
	return msgs, nil
}

func translateMessage(msg *sdk.Message, provToCanon map[string]string) (*planner.Intent, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		name := block.Name
		// When the model hallucinates a tool that was not advertised, the
		// reverse map will not contain it. Surface the call as-is and let the
		// tool registry return an unknown tool error.
		if canonical, ok := provToCanon[name]; ok {
			name = canonical
		}
		var args map[string]any
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				return nil, fmt.Errorf("anthropic: decode tool arguments: %w", err)
			}
		}
		return prompt.Intent(name, args), nil
	}
	return nil, errors.New("anthropic: model returned no tool call")
}

// isRateLimited reports whether err represents provider rate limiting,
// either an HTTP 429 from the SDK or an error already tagged by middleware.
func isRateLimited(err error) bool {
	if errors.Is(err, planner.ErrRateLimited) {
		return true
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}
