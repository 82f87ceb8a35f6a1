package module

import "context"

// dryRunKey marks a context whose task bodies must only report what they
// would do.
type dryRunKey struct{}

// WithDryRun returns a context that asks modules to simulate their actions.
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunKey{}, true)
}

// IsDryRun reports whether ctx was marked by WithDryRun.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey{}).(bool)
	return v
}
