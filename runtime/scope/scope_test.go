package scope_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/scope"
)

func TestValidateRequiresBothIdentifiers(t *testing.T) {
	require.NoError(t, scope.Scope{TenantID: "t1", WorkspaceID: "w1"}.Validate())
	require.ErrorIs(t, scope.Scope{TenantID: "t1"}.Validate(), scope.ErrInvalidScope)
	require.ErrorIs(t, scope.Scope{WorkspaceID: "w1"}.Validate(), scope.ErrInvalidScope)
	require.ErrorIs(t, scope.Scope{}.Validate(), scope.ErrInvalidScope)
}

func TestValidateOptionalAllowsZero(t *testing.T) {
	require.NoError(t, scope.Scope{}.ValidateOptional())
	require.NoError(t, scope.Scope{TenantID: "t1", WorkspaceID: "w1"}.ValidateOptional())
	require.ErrorIs(t, scope.Scope{TenantID: "t1"}.ValidateOptional(), scope.ErrInvalidScope)
}

func TestMatches(t *testing.T) {
	a := scope.Scope{TenantID: "t1", WorkspaceID: "w1"}
	require.True(t, a.Matches(scope.Scope{TenantID: "t1", WorkspaceID: "w1"}))
	require.False(t, a.Matches(scope.Scope{TenantID: "t1", WorkspaceID: "w2"}))
	require.False(t, a.Matches(scope.Scope{TenantID: "t2", WorkspaceID: "w1"}))
}

func TestNewIDIsPrefixedAndTimeOrdered(t *testing.T) {
	ids := make([]string, 0, 50)
	for range 50 {
		ids = append(ids, scope.NewSignalID())
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	require.Equal(t, sorted, ids, "V7 identifiers must sort by creation order")
	for _, id := range ids {
		require.Regexp(t, `^sig_[0-9a-f-]{36}$`, id)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "identifier %s minted twice", id)
		seen[id] = struct{}{}
	}
}
