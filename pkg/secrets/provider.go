package secrets

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned by providers that know a secret is absent.
var ErrSecretNotFound = errors.New("secret not found")

// Provider fetches a named secret stored as a flat JSON object.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}

// StaticProvider serves secrets from memory. Local runs and tests use it in
// place of AWS.
type StaticProvider map[string]map[string]string

func (p StaticProvider) GetSecret(_ context.Context, name string) (map[string]string, error) {
	v, ok := p[name]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, nil
}
