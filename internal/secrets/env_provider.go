package secrets

import (
	"context"
	"os"

	fcsecrets "github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
)

// EnvProvider reads secrets from environment variables, optionally under a
// fixed prefix so plans cannot read arbitrary process variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider that looks up prefix+key.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(p.prefix + key)
	return value, found, nil
}

var _ fcsecrets.Provider = (*EnvProvider)(nil)
