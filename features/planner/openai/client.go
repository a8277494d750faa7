// Package openai provides a planner.Planner implementation backed by the
// OpenAI Chat Completions API. It renders the planning input into a
// ChatCompletion request using github.com/sashabaranov/go-openai, requires a
// tool choice, and maps the returned tool call into a planner intent.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/foreman/features/planner/prompt"
	"goa.design/foreman/runtime/planner"
)

// ChatClient captures the subset of the go-openai client used by the planner.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI planner.
type Options struct {
	// Client is the chat completion client. Required.
	Client ChatClient
	// Model is the model identifier. Required.
	Model string
	// MaxTokens caps the completion when positive.
	MaxTokens int
	// Temperature is forwarded when positive.
	Temperature float32
}

// Planner implements planner.Planner via the OpenAI Chat Completions API.
type Planner struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float32
}

// New builds an OpenAI-backed planner from the provided options.
func New(opts Options) (*Planner, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Planner{
		chat:   opts.Client,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a planner using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, model string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Plan issues a chat completion for the step described by in and translates
// the model's tool choice into an intent.
func (p *Planner) Plan(ctx context.Context, in *planner.Input) (*planner.Intent, error) {
	defs := prompt.Tools(in)
	canonToProv, provToCanon, err := prompt.ProviderNames(defs)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	messages, err := encodeTurns(prompt.System(in), prompt.Turns(in), canonToProv)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:      p.model,
		Messages:   messages,
		Tools:      encodeTools(defs, canonToProv),
		ToolChoice: "required",
	}
	if p.maxTok > 0 {
		request.MaxTokens = p.maxTok
	}
	if p.temp > 0 {
		request.Temperature = p.temp
	}
	resp, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", planner.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp, provToCanon)
}

func encodeTurns(system string, turns []prompt.Turn, canonToProv map[string]string) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, turn := range turns {
		switch {
		case turn.ToolCall != nil:
			name := canonToProv[turn.ToolCall.Name]
			if name == "" {
				name = prompt.SanitizeName(turn.ToolCall.Name)
			}
			args, err := json.Marshal(turn.ToolCall.Args)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool arguments: %w", err)
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       turn.ToolCall.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: string(args)},
				}},
			})
		case turn.ToolResult != nil:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.ToolResult.Content,
				ToolCallID: turn.ToolResult.ID,
			})
		default:
			role := openai.ChatMessageRoleUser
			if turn.Role == prompt.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
		}
	}
	return msgs, nil
}

func encodeTools(defs []prompt.Def, canonToProv map[string]string) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        canonToProv[def.Name],
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return out
}

func translateResponse(resp openai.ChatCompletionResponse, provToCanon map[string]string) (*planner.Intent, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	msg := resp.Choices[0].Message
	for _, call := range msg.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		name := call.Function.Name
		// An unadvertised name stays as-is so the tool registry can reject it.
		if canonical, ok := provToCanon[name]; ok {
			name = canonical
		}
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: decode tool arguments: %w", err)
			}
		}
		return prompt.Intent(name, args), nil
	}
	return nil, errors.New("openai: model returned no tool call")
}

// isRateLimited reports whether err represents provider rate limiting,
// either an HTTP 429 from the API or an error already tagged by middleware.
func isRateLimited(err error) bool {
	if errors.Is(err, planner.ErrRateLimited) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
