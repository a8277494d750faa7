package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/scope"
	"goa.design/foreman/runtime/tools"
)

func echoTool(name string) tools.Registration {
	return tools.Registration{
		Name:        name,
		Description: "Echo the execution input.",
		Execute: func(_ context.Context, in tools.Input) (any, error) {
			return map[string]any{"tool": in.Tool, "workflow": in.WorkflowID}, nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := tools.New()
	require.Error(t, r.Register(tools.Registration{Execute: echoTool("x").Execute}), "name is required")
	require.Error(t, r.Register(tools.Registration{Name: "no_execute"}), "execute is required")

	require.NoError(t, r.Register(echoTool("lookup_order")))
	err := r.Register(echoTool("lookup_order"))
	require.ErrorIs(t, err, tools.ErrDuplicateTool)

	r.Freeze()
	err = r.Register(echoTool("late_arrival"))
	require.ErrorIs(t, err, tools.ErrRegistrationClosed)
}

func TestListFiltersByScopeAndSorts(t *testing.T) {
	ctx := context.Background()
	r := tools.New()
	tenantOnly := echoTool("issue_refund")
	tenantOnly.IsAuthorized = func(s scope.Scope) bool { return s.TenantID == "tenant-1" }
	require.NoError(t, r.Register(tenantOnly))
	require.NoError(t, r.Register(echoTool("lookup_order")))
	require.NoError(t, r.Register(echoTool("cancel_order")))
	r.Freeze()

	got := r.List(ctx, scope.Scope{TenantID: "tenant-1", WorkspaceID: "ws-1"})
	names := make([]string, len(got))
	for i, m := range got {
		names[i] = m.Name
	}
	require.Equal(t, []string{"cancel_order", "issue_refund", "lookup_order"}, names)

	got = r.List(ctx, scope.Scope{TenantID: "tenant-2", WorkspaceID: "ws-1"})
	names = names[:0]
	for _, m := range got {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"cancel_order", "lookup_order"}, names)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := tools.New()
	r.Freeze()
	_, err := r.Execute(context.Background(), tools.Input{Tool: "missing"})
	var verr *tools.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "unknown_tool", verr.Reason)
	require.Equal(t, `tool "missing" is not registered`, verr.Error())
}

func TestExecuteUnauthorized(t *testing.T) {
	r := tools.New()
	reg := echoTool("issue_refund")
	reg.IsAuthorized = func(s scope.Scope) bool { return s.TenantID == "tenant-1" }
	require.NoError(t, r.Register(reg))
	r.Freeze()

	_, err := r.Execute(context.Background(), tools.Input{
		Scope: scope.Scope{TenantID: "tenant-2", WorkspaceID: "ws-1"},
		Tool:  "issue_refund",
	})
	var verr *tools.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "unauthorized", verr.Reason)
}

func TestExecuteInvalidArgs(t *testing.T) {
	r := tools.New()
	reg := echoTool("lookup_order")
	reg.ValidateArgs = func(args map[string]any) []tools.FieldIssue {
		if _, ok := args["order_id"]; !ok {
			return []tools.FieldIssue{{Field: "order_id", Constraint: "missing_field"}}
		}
		return nil
	}
	require.NoError(t, r.Register(reg))
	r.Freeze()

	_, err := r.Execute(context.Background(), tools.Input{Tool: "lookup_order", Args: map[string]any{}})
	var verr *tools.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "invalid_args", verr.Reason)
	require.Equal(t, []tools.FieldIssue{{Field: "order_id", Constraint: "missing_field"}}, verr.Issues)
	require.Equal(t, `tool "lookup_order" arguments invalid: order_id: missing_field`, verr.Error())
}

func TestExecuteRunsTool(t *testing.T) {
	r := tools.New()
	var seen tools.Input
	require.NoError(t, r.Register(tools.Registration{
		Name: "lookup_order",
		Execute: func(_ context.Context, in tools.Input) (any, error) {
			seen = in
			return map[string]any{"status": "shipped"}, nil
		},
	}))
	r.Freeze()

	in := tools.Input{
		Scope:      scope.Scope{TenantID: "tenant-1", WorkspaceID: "ws-1"},
		WorkflowID: "wf-1",
		RequestID:  "req-1",
		StepNumber: 2,
		Tool:       "lookup_order",
		Args:       map[string]any{"order_id": "ord-7"},
	}
	got, err := r.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "shipped"}, got)
	require.Equal(t, in, seen)
}

func TestExecuteToolErrorPassesThrough(t *testing.T) {
	r := tools.New()
	boom := errors.New("upstream unavailable")
	require.NoError(t, r.Register(tools.Registration{
		Name:    "lookup_order",
		Execute: func(context.Context, tools.Input) (any, error) { return nil, boom },
	}))
	r.Freeze()

	_, err := r.Execute(context.Background(), tools.Input{Tool: "lookup_order"})
	require.ErrorIs(t, err, boom)
	var verr *tools.ValidationError
	require.False(t, errors.As(err, &verr), "tool failures are not validation errors")
}

const orderSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"limit": {"type": "integer"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

func TestSchemaValidator(t *testing.T) {
	validate, err := tools.SchemaValidator([]byte(orderSchema))
	require.NoError(t, err)

	require.Nil(t, validate(map[string]any{"query": "shipped orders"}))

	// Untyped ints round-trip through JSON before validation, so they satisfy
	// integer schemas even though the validator sees float64.
	require.Nil(t, validate(map[string]any{"query": "shipped orders", "limit": 10}))

	issues := validate(nil)
	require.Len(t, issues, 1)
	require.Equal(t, "args", issues[0].Field)
	require.Equal(t, "invalid_format", issues[0].Constraint)
	require.NotEmpty(t, issues[0].Format)

	issues = validate(map[string]any{"query": 42})
	require.Len(t, issues, 1)
	require.Equal(t, "query", issues[0].Field)
	require.Equal(t, "invalid_format", issues[0].Constraint)

	issues = validate(map[string]any{"query": "x", "surprise": true})
	require.NotEmpty(t, issues)
}

func TestSchemaValidatorRejectsMalformedSchema(t *testing.T) {
	_, err := tools.SchemaValidator([]byte(`{"type": `))
	require.Error(t, err)
}
