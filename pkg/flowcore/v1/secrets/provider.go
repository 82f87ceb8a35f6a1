package secrets

import "context"

// Provider resolves the values behind `{{ secret "NAME" }}` in plan
// parameters.
type Provider interface {
	// GetSecret returns the value and true when key exists, "" and false when
	// it does not, and an error only when the backend itself failed.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
