package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/foreman/features/planner/bedrock"
	"goa.design/foreman/runtime/planner"
	"goa.design/foreman/runtime/workflow"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput,
	optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func toolUseOutput(name string, input any) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("use-1"),
					Name:      aws.String(name),
					Input:     document.NewLazyDocument(&input),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
	}
}

func planInput() *planner.Input {
	return &planner.Input{
		ContractVersion: planner.ContractVersion,
		WorkflowID:      "wf-1",
		ObjectivePrompt: "book a meeting room",
		AvailableTools: []planner.ToolDescriptor{
			{Name: "calendar.find_slots", Description: "Find open calendar slots."},
		},
	}
}

func TestPlanToolUse(t *testing.T) {
	mock := &mockRuntime{output: toolUseOutput("calendar_find_slots", map[string]any{"window": "this week"})}
	p, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3", MaxTokens: 256})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)
	require.Equal(t, planner.IntentToolCall, intent.Type)
	require.Equal(t, "calendar.find_slots", intent.ToolName)
	require.Equal(t, "this week", intent.Args["window"])

	input := mock.captured
	require.Equal(t, "anthropic.claude-3", *input.ModelId)
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 3)
	names := make([]string, 0, 3)
	for _, tool := range input.ToolConfig.Tools {
		spec, ok := tool.(*brtypes.ToolMemberToolSpec)
		require.True(t, ok)
		names = append(names, *spec.Value.Name)
	}
	require.ElementsMatch(t, []string{"calendar_find_slots", "ask_user", "complete_workflow"}, names)
	_, forced := input.ToolConfig.ToolChoice.(*brtypes.ToolChoiceMemberAny)
	require.True(t, forced)
	require.NotNil(t, input.InferenceConfig)
	require.Equal(t, int32(256), *input.InferenceConfig.MaxTokens)
}

func TestPlanControlTools(t *testing.T) {
	mock := &mockRuntime{output: toolUseOutput("ask_user", map[string]any{"question": "Which building?"})}
	p, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	intent, err := p.Plan(context.Background(), planInput())
	require.NoError(t, err)
	require.Equal(t, planner.IntentAskUser, intent.Type)
	require.Equal(t, "Which building?", intent.Question)

	mock.output = toolUseOutput("complete_workflow", map[string]any{
		"output": map[string]any{"room": "4A"},
	})
	intent, err = p.Plan(context.Background(), planInput())
	require.NoError(t, err)
	require.Equal(t, planner.IntentComplete, intent.Type)
	require.Equal(t, "4A", intent.Output["room"])
}

func TestPlanReplaysHistory(t *testing.T) {
	mock := &mockRuntime{output: toolUseOutput("complete_workflow", map[string]any{})}
	p, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	in := planInput()
	in.PriorSteps = []planner.StepSummary{
		{
			StepNumber: 0,
			IntentType: planner.IntentAskUser,
			Status:     string(workflow.StepWaitingSignal),
			Question:   "Which building?",
		},
		{
			StepNumber: 1,
			IntentType: planner.IntentToolCall,
			Status:     string(workflow.StepFailed),
			ToolName:   "calendar.find_slots",
		},
	}
	in.StepIndex = 2

	_, err = p.Plan(context.Background(), in)
	require.NoError(t, err)

	// Objective, then the two assistant turns folded into one message, then
	// the tool result. Roles must alternate.
	msgs := mock.captured.Messages
	require.Len(t, msgs, 3)
	require.Equal(t, brtypes.ConversationRoleUser, msgs[0].Role)
	require.Equal(t, brtypes.ConversationRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	use, ok := msgs[1].Content[1].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	require.Equal(t, "calendar_find_slots", *use.Value.Name)
	require.Equal(t, "step_1", *use.Value.ToolUseId)
	require.Equal(t, brtypes.ConversationRoleUser, msgs[2].Role)
	result, ok := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	require.Equal(t, "step_1", *result.Value.ToolUseId)
	require.Equal(t, brtypes.ToolResultStatusError, result.Value.Status)
}

func TestPlanNoToolCall(t *testing.T) {
	mock := &mockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "I will check."}},
		}},
	}}
	p, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), planInput())
	require.ErrorContains(t, err, "no tool call")
}

func TestPlanRateLimited(t *testing.T) {
	mock := &mockRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	p, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	_, err = p.Plan(context.Background(), planInput())
	require.ErrorIs(t, err, planner.ErrRateLimited)

	mock.err = planner.ErrRateLimited
	_, err = p.Plan(context.Background(), planInput())
	require.ErrorIs(t, err, planner.ErrRateLimited)
}
