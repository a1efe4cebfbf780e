package mcpservice

import "context"

// ProgressReporter reports progress of a long-running operation back to the
// client. Implementations are transport-specific and injected into the
// context by the transport handlers; tool code retrieves it via the
// ToolResponseWriter (or ProgressFrom directly) and calls Report to emit
// notifications/progress correlated to the current request.
type ProgressReporter interface {
	// Report emits a progress update. Implementations forward the values to
	// the client as-is; callers pick meaningful scales for progress and
	// total. total may be zero when the extent of the work is unknown.
	Report(ctx context.Context, progress, total float64) error
}

type progressKey struct{}

// WithProgressReporter returns a new context carrying the provided reporter.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves a ProgressReporter from the context if present.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	if v := ctx.Value(progressKey{}); v != nil {
		if pr, ok := v.(ProgressReporter); ok && pr != nil {
			return pr, true
		}
	}
	return nil, false
}
