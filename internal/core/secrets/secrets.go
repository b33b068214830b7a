// Package secrets resolves {{secret.NAME}} references declared in a
// workflow against a pluggable backend, mirroring the
// deployment.GetSecretProvider registry pattern station uses to dispatch
// across vault/AWS/GCP backends — trimmed here to the providers this
// module actually ships (env and static-map), since no cloud SDK is wired
// into this domain.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

// Provider resolves secret values for a run. Implementations may hit an
// external backend, so every method takes a context.
type Provider interface {
	GetSecret(ctx context.Context, ref string) (string, error)
	Validate(ctx context.Context) error
}

// EnvProvider resolves a SecretRef whose Source is "env:VAR_NAME" against
// the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (EnvProvider) GetSecret(_ context.Context, ref string) (string, error) {
	name, ok := cutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("%w: env provider cannot resolve ref %q", corerr.ErrUnresolvedSecret, ref)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %q is not set", corerr.ErrUnresolvedSecret, name)
	}
	return v, nil
}

func (EnvProvider) Validate(context.Context) error { return nil }

// StaticProvider resolves secrets from an in-memory map, useful for tests
// and for "backend:path" style refs pre-loaded by the caller.
type StaticProvider struct {
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

func (p *StaticProvider) GetSecret(_ context.Context, ref string) (string, error) {
	v, ok := p.values[ref]
	if !ok {
		return "", fmt.Errorf("%w: no value registered for ref %q", corerr.ErrUnresolvedSecret, ref)
	}
	return v, nil
}

func (*StaticProvider) Validate(context.Context) error { return nil }

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// Resolver resolves every SecretRef a workflow declares once at run start,
// logging which names were loaded but never their values.
type Resolver struct {
	provider Provider
}

func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// ResolveAll loads every declared secret into a name->value map for
// template interpolation. It fails closed: one unresolved secret aborts
// the run rather than silently leaving {{secret.x}} unexpanded.
func (r *Resolver) ResolveAll(ctx context.Context, refs []workflow.SecretRef) (map[string]string, error) {
	if err := r.provider.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validating secrets backend: %w", err)
	}

	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		v, err := r.provider.GetSecret(ctx, ref.Source)
		if err != nil {
			return nil, fmt.Errorf("resolving secret %q: %w", ref.Name, err)
		}
		out[ref.Name] = v
		slog.Debug("resolved workflow secret", "name", ref.Name)
	}
	return out, nil
}
