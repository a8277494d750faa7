package adapter

import (
	"context"
	"errors"
	"fmt"

	"goa.design/foreman/runtime/scope"
)

var (
	// ErrNoCredential reports that no credential is registered for the
	// scope and provider.
	ErrNoCredential = errors.New("no credential")
	// ErrCredentialScope reports a credential requested outside its scope.
	ErrCredentialScope = errors.New("credential scope mismatch")
)

type (
	// Credential is an opaque provider secret bound to one scope.
	Credential struct {
		// Scope is the tenant and workspace the credential belongs to.
		Scope scope.Scope
		// Provider names the external system (e.g., "slack").
		Provider string
		// Token is the secret. Never logged.
		Token string
		// TeamID is the provider-side tenant identifier, when the provider
		// has one.
		TeamID string
	}

	// Resolver looks up the credential for a scope and provider.
	Resolver interface {
		Resolve(ctx context.Context, s scope.Scope, provider string) (*Credential, error)
	}

	// StaticResolver serves credentials from a fixed set. Suitable for
	// single-tenant deployments and tests.
	StaticResolver struct {
		creds map[string]Credential
	}
)

// NewStaticResolver returns a resolver over the given credentials. Later
// duplicates of a (scope, provider) pair win.
func NewStaticResolver(creds ...Credential) *StaticResolver {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[credKey(c.Scope, c.Provider)] = c
	}
	return &StaticResolver{creds: m}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, s scope.Scope, provider string) (*Credential, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	c, ok := r.creds[credKey(s, provider)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s scope %s", ErrNoCredential, provider, s)
	}
	if !c.Scope.Matches(s) {
		return nil, fmt.Errorf("%w: provider %s", ErrCredentialScope, provider)
	}
	return &c, nil
}

func credKey(s scope.Scope, provider string) string {
	return s.TenantID + "\x00" + s.WorkspaceID + "\x00" + provider
}
