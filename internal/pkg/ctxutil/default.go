package ctxutil

import "context"

// Default guards call sites that accept an optional context, substituting
// context.Background() for nil.
func Default(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
