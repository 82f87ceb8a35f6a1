package logger

import (
	"context"
	"io"

	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
)

type ctxKey struct{}

var discard = NewLogger("error", "text", io.Discard)

// WithContext returns a copy of ctx carrying log.
func WithContext(ctx context.Context, log fclog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in ctx, or a logger that drops
// everything below ERROR when none was attached.
func FromContext(ctx context.Context) fclog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(ctxKey{}).(fclog.Logger); ok && log != nil {
			return log
		}
	}
	return discard
}
