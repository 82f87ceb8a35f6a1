package tracing

import (
	"errors"

	"github.com/gxo-labs/flowcore/internal/template"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RecordErrorWithContext records err on span with its message passed through
// keyword redaction, and marks the span as failed. Spans that are not
// recording are left alone.
func RecordErrorWithContext(span oteltrace.Span, err error, keywords map[string]struct{}) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := template.RedactSecretsInString(err.Error(), keywords)
	// The recorded error carries only the redacted text.
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}
