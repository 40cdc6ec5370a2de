package stage

import "context"

type drainKey struct{}

// Drain detaches ctx for running one item. Cancelling parent no longer
// aborts the attempt in progress; Halted reports it instead, so no new
// stage or retry starts.
func Drain(parent context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(parent), drainKey{}, parent)
}

// Halted reports whether ctx, or the context it was drained from, is done.
func Halted(ctx context.Context) bool {
	return haltContext(ctx).Err() != nil || ctx.Err() != nil
}

// haltContext is the context whose cancellation means "stop after the
// current attempt".
func haltContext(ctx context.Context) context.Context {
	if parent, ok := ctx.Value(drainKey{}).(context.Context); ok {
		return parent
	}
	return ctx
}
